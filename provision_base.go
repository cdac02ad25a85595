package forge

import (
	"fmt"
	"strings"
)

////////////////////////////////////////////////////////////////////////////////
// Base stage: CUDA userland, EFA, Open MPI, NCCL, conda/Python
////////////////////////////////////////////////////////////////////////////////

// buildBaseStage lays down everything both variants share. The step order is
// fixed: toolchain first, then the network fabric, then the Python runtime.
// Rendering is a pure function of the normalized spec.
func buildBaseStage(spec RecipeSpec) StagePlan {
	pins := spec.Pins
	steps := []ProvisionStep{
		baseArgsStep(spec),
		baseEnvStep(spec),
		baseOSPackagesStep(),
		baseEFAStep(pins),
		baseOpenMPIStep(pins),
		baseNCCLStep(pins),
		baseCondaStep(pins),
		basePipBaselineStep(pins),
		basePinManifestStep(pins),
	}
	return StagePlan{
		Name:      stageNameBase,
		BaseImage: baseImageRef(pins),
		Steps:     steps,
	}
}

func baseArgsStep(spec RecipeSpec) ProvisionStep {
	lines := []string{}
	for _, key := range sortedKeys(spec.BuildArgs) {
		lines = append(lines, "ARG "+key+"="+spec.BuildArgs[key])
	}
	return ProvisionStep{Name: "build-args", Lines: lines}
}

func baseEnvStep(spec RecipeSpec) ProvisionStep {
	cudaHome := "/usr/local/" + cudaShortName(spec.Pins.CUDA)
	lines := []string{
		envInstruction("DEBIAN_FRONTEND", "noninteractive"),
		envInstruction("PYTHONDONTWRITEBYTECODE", "1"),
		envInstruction("PYTHONUNBUFFERED", "1"),
		envInstruction("PYTHONIOENCODING", "UTF-8"),
		envInstruction("LANG", "C.UTF-8"),
		envInstruction("LC_ALL", "C.UTF-8"),
		envInstruction("CUDA_HOME", cudaHome),
		envInstruction("LD_LIBRARY_PATH", strings.Join([]string{
			"/opt/conda/lib",
			"/usr/local/mpi/lib",
			cudaHome + "/lib64",
			"/usr/local/lib",
			"$LD_LIBRARY_PATH",
		}, ":")),
		envInstruction("PATH", "/opt/conda/bin:/usr/local/mpi/bin:$PATH"),
	}
	for _, key := range sortedKeys(spec.Env) {
		lines = append(lines, envInstruction(key, spec.Env[key]))
	}
	return ProvisionStep{Name: "environment", Lines: lines}
}

func baseOSPackagesStep() ProvisionStep {
	packages := []string{
		"build-essential",
		"ca-certificates",
		"cmake",
		"curl",
		"emacs",
		"git",
		"jq",
		"libcurl4-openssl-dev",
		"libglib2.0-0",
		"libgl1-mesa-glx",
		"libsm6",
		"libssl-dev",
		"libxext6",
		"libxrender-dev",
		"openjdk-8-jdk-headless",
		"openssh-client",
		"openssh-server",
		"unzip",
		"vim",
		"wget",
		"zlib1g-dev",
	}
	return ProvisionStep{
		Name: "os-packages",
		Lines: []string{shellChain(
			"apt-get update",
			"apt-get install -y --no-install-recommends --allow-downgrades --allow-change-held-packages "+
				strings.Join(packages, " "),
			"rm -rf /var/lib/apt/lists/*",
			"apt-get clean",
		)},
	}
}

// baseEFAStep installs the Elastic Fabric Adapter userland. The installer is
// run with -n so it never touches the kernel from inside a build.
func baseEFAStep(pins PinSet) ProvisionStep {
	archive := "aws-efa-installer-" + pins.EFAInstaller + ".tar.gz"
	return ProvisionStep{
		Name: "efa-installer",
		Lines: []string{shellChain(
			"mkdir -p /tmp/efa",
			"cd /tmp/efa",
			"curl -fSsL -O https://efa-installer.amazonaws.com/"+archive,
			"tar -xf "+archive,
			"cd aws-efa-installer",
			"./efa_installer.sh -y -n --skip-kmod --skip-limit-conf",
			"cd /tmp",
			"rm -rf /tmp/efa",
		)},
	}
}

func baseOpenMPIStep(pins PinSet) ProvisionStep {
	series := openMPISeries(pins.OpenMPI)
	archive := "openmpi-" + pins.OpenMPI + ".tar.gz"
	return ProvisionStep{
		Name: "open-mpi",
		Lines: []string{shellChain(
			"mkdir -p /tmp/openmpi",
			"cd /tmp/openmpi",
			fmt.Sprintf(
				"curl -fSsL -O https://download.open-mpi.org/release/open-mpi/v%s/%s",
				series, archive,
			),
			"tar -xzf "+archive,
			"cd openmpi-"+pins.OpenMPI,
			"./configure --prefix=/usr/local/mpi --enable-orterun-prefix-by-default --with-cuda=$CUDA_HOME",
			"make -j $(nproc) all",
			"make install",
			"ldconfig",
			"cd /tmp",
			"rm -rf /tmp/openmpi",
		)},
	}
}

func baseNCCLStep(pins PinSet) ProvisionStep {
	branch := "v" + pins.NCCL + "-1"
	return ProvisionStep{
		Name: "nccl",
		Lines: []string{shellChain(
			"cd /tmp",
			"git clone --depth 1 -b "+branch+" https://github.com/NVIDIA/nccl.git",
			"cd nccl",
			"make -j $(nproc) src.build BUILDDIR=/usr/local",
			"ldconfig",
			"cd /tmp",
			"rm -rf /tmp/nccl",
		)},
	}
}

func baseCondaStep(pins PinSet) ProvisionStep {
	installer := "Miniconda3-py38_" + pins.Conda + "-Linux-x86_64.sh"
	return ProvisionStep{
		Name: "conda",
		Lines: []string{shellChain(
			"curl -fSsL -o /tmp/miniconda.sh https://repo.anaconda.com/miniconda/"+installer,
			"chmod +x /tmp/miniconda.sh",
			"/tmp/miniconda.sh -b -f -p /opt/conda",
			"rm /tmp/miniconda.sh",
			"/opt/conda/bin/conda install -y python="+pins.Python,
			"/opt/conda/bin/conda install -y cython mkl mkl-include numpy scipy typing",
			"/opt/conda/bin/conda clean -ya",
		)},
	}
}

func basePipBaselineStep(pins PinSet) ProvisionStep {
	return ProvisionStep{
		Name: "pip-baseline",
		Lines: []string{shellChain(
			"pip install --no-cache-dir --upgrade pip",
			"pip install --no-cache-dir awscli boto3 click cryptography ipython packaging psutil pyyaml requests",
		)},
	}
}

// basePinManifestStep records the resolved pins inside the image so a running
// container can be audited against the recipe that produced it.
func basePinManifestStep(pins PinSet) ProvisionStep {
	manifest := []string{
		"PIN_PYTHON=" + pins.Python,
		"PIN_CONDA=" + pins.Conda,
		"PIN_CUDA=" + pins.CUDA,
		"PIN_CUDNN=" + pins.CUDNN,
		"PIN_NCCL=" + pins.NCCL,
		"PIN_EFA_INSTALLER=" + pins.EFAInstaller,
		"PIN_OPEN_MPI=" + pins.OpenMPI,
		"PIN_FRAMEWORK=" + pins.Framework,
		"PIN_APEX_REF=" + pins.ApexRef,
		"PIN_HOROVOD=" + pins.Horovod,
		"PIN_OFI_PLUGIN=" + pins.OFIPlugin,
		"PIN_PROFILER=" + pins.Profiler,
		"PIN_SYSTEMS_LIB=" + pins.SystemsLib,
	}
	return ProvisionStep{
		Name: "pin-manifest",
		Lines: []string{
			"RUN mkdir -p /opt/forge && " + appendLinesOnce("/opt/forge/pins.env", manifest),
		},
	}
}

func openMPISeries(pin string) string {
	fields := strings.Split(pin, ".")
	if len(fields) < 2 {
		return pin
	}
	return fields[0] + "." + fields[1]
}
