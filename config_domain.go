package forge

////////////////////////////////////////////////////////////////////////////////
// Domain contracts/defaults: image filesystem layout + pinned fallbacks
////////////////////////////////////////////////////////////////////////////////

const (
	recipeAPIVersion = "forge.mlinfra.dev/v1"
	recipeKind       = "TrainingImageRecipe"

	// Variants forked from the shared base stage.
	VariantTraining = "training" // multi-node cluster image, shell entry point
	VariantHosted   = "hosted"   // managed-service image, wrapper entry point

	// Fixed paths inside the produced image.
	imageLicensePath   = "/license.txt"
	imageNCCLConfPath  = "/etc/nccl.conf"
	imageMPIRunPath    = "/usr/local/mpi/bin/mpirun"
	imageSSHDir        = "/root/.ssh"
	imageEntrypointDir = "/usr/local/bin"
	hostedEntrypoint   = "start_with_right_hostname.sh"

	// The two collective-communication tuning lines appended to the NCCL
	// config. Each must appear exactly once in the rendered file.
	ncclTuningDebug  = "NCCL_DEBUG=INFO"
	ncclTuningIfname = "NCCL_SOCKET_IFNAME=^docker0"
	mpirunSafetyFlag = "--allow-run-as-root"

	// Pin fallbacks applied during recipe normalization. Every value is
	// overridable per recipe; builds record the resolved set verbatim.
	defaultPinPython       = "3.8.10"
	defaultPinConda        = "4.9.2"
	defaultPinCUDA         = "11.1.1"
	defaultPinCUDNN        = "8.0.5.39"
	defaultPinNCCL         = "2.8.4"
	defaultPinEFAInstaller = "1.11.2"
	defaultPinOpenMPI      = "4.0.5"
	defaultPinFramework    = "1.8.1"
	defaultPinApexRef      = "0c2c6eea6556b208d1a8711197efc94899e754e1"
	defaultPinHorovod      = "0.21.3"
	defaultPinOFIPlugin    = "aws"
	defaultPinProfiler     = "1.0.9"
	defaultPinSystemsLib   = "2.66.4"

	defaultLicenseURL = "https://forge-image-licenses.example.com/pytorch-1.8/license.txt"

	maxEnvVarValueLength = 4096
	maxPinValueLength    = 256
	maxURLLength         = 2048

	branchMain = "main"

	recipePhaseReady        = "Ready"
	recipePhaseProvisioning = "Provisioning"
	recipePhaseError        = "Error"
	recipePhaseDeleting     = "Deleting"
)

// ncclTuningLines returns the tuning lines in their append order.
func ncclTuningLines() []string {
	return []string{ncclTuningDebug, ncclTuningIfname}
}
