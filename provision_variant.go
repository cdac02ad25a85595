package forge

import "fmt"

////////////////////////////////////////////////////////////////////////////////
// Variant stages: training (cluster) + hosted (managed service)
////////////////////////////////////////////////////////////////////////////////

// buildVariantStage forks the requested variant off the shared base stage.
// Both variants carry the framework, Apex, Horovod, the OFI plugin, the SSH
// trust setup and the NCCL tuning lines; the hosted variant layers the
// managed-service runtime and its hostname-fix entry point on top.
func buildVariantStage(spec RecipeSpec, variant string) (StagePlan, error) {
	if err := validateVariant(variant); err != nil {
		return StagePlan{}, err
	}
	pins := spec.Pins

	steps := []ProvisionStep{
		variantFrameworkStep(pins),
		variantApexStep(pins),
		variantOFIPluginStep(pins),
		variantHorovodStep(pins),
		variantMPIWrapperStep(),
		variantSSHStep(),
		variantNCCLConfStep(),
		variantProfilerStep(pins),
	}
	if pins.StorageWheelURL != "" {
		steps = append(steps, ProvisionStep{
			Name:  "storage-wheel",
			Lines: []string{shellChain("pip install --no-cache-dir " + pins.StorageWheelURL)},
		})
	}
	if variant == VariantHosted {
		steps = append(steps, hostedRuntimeSteps(pins)...)
	}
	steps = append(steps, variantLicenseStep(pins), variantCleanupStep())
	if variant == VariantHosted {
		steps = append(steps, hostedEntrypointStep())
	} else {
		steps = append(steps, trainingEntrypointStep())
	}

	return StagePlan{
		Name:      variantStageName(variant),
		BaseImage: stageNameBase,
		Steps:     steps,
	}, nil
}

func variantStageName(variant string) string {
	if variant == VariantHosted {
		return stageNameHosted
	}
	return stageNameTraining
}

// variantFrameworkStep swaps the generic pip framework for the pinned wheel
// when the recipe names one; otherwise the public release for the pin is
// installed.
func variantFrameworkStep(pins PinSet) ProvisionStep {
	commands := []string{}
	if pins.FrameworkWheelURL != "" {
		commands = append(commands,
			"pip uninstall -y torch",
			"pip install --no-cache-dir "+pins.FrameworkWheelURL,
		)
	} else {
		commands = append(commands, "pip install --no-cache-dir torch=="+pins.Framework)
	}
	if pins.VisionWheelURL != "" {
		commands = append(commands,
			"pip uninstall -y torchvision",
			"pip install --no-cache-dir "+pins.VisionWheelURL,
		)
	}
	return ProvisionStep{Name: "framework", Lines: []string{shellChain(commands...)}}
}

// variantApexStep builds Apex from source at the pinned ref. Mixed-precision
// extensions need the CUDA toolchain, so this must run in the devel image.
func variantApexStep(pins PinSet) ProvisionStep {
	return ProvisionStep{
		Name: "apex",
		Lines: []string{shellChain(
			"cd /tmp",
			"git clone https://github.com/NVIDIA/apex",
			"cd apex",
			"git checkout "+pins.ApexRef,
			`pip install -v --no-cache-dir --global-option="--cpp_ext" --global-option="--cuda_ext" ./`,
			"cd /tmp",
			"rm -rf /tmp/apex",
		)},
	}
}

func variantOFIPluginStep(pins PinSet) ProvisionStep {
	return ProvisionStep{
		Name: "ofi-plugin",
		Lines: []string{shellChain(
			"cd /tmp",
			"git clone https://github.com/aws/aws-ofi-nccl.git -b "+pins.OFIPlugin,
			"cd aws-ofi-nccl",
			"./autogen.sh",
			"./configure --prefix=/usr/local "+
				"--with-libfabric=/opt/amazon/efa "+
				"--with-mpi=/usr/local/mpi "+
				"--with-cuda=$CUDA_HOME "+
				"--with-nccl=/usr/local",
			"make",
			"make install",
			"cd /tmp",
			"rm -rf /tmp/aws-ofi-nccl",
		)},
	}
}

// variantHorovodStep rebuilds Horovod against the NCCL that the base stage
// installed. A stock wheel would link the bundled NCCL instead.
func variantHorovodStep(pins PinSet) ProvisionStep {
	return ProvisionStep{
		Name: "horovod",
		Lines: []string{shellChain(
			"pip uninstall -y horovod",
			"ldconfig /usr/local/cuda/targets/x86_64-linux/lib/stubs",
			"HOROVOD_GPU_ALLREDUCE=NCCL HOROVOD_WITH_PYTORCH=1 HOROVOD_WITHOUT_MXNET=1 "+
				"HOROVOD_WITHOUT_TENSORFLOW=1 HOROVOD_NCCL_HOME=/usr/local "+
				"pip install --no-cache-dir horovod=="+pins.Horovod,
			"ldconfig",
		)},
	}
}

// variantMPIWrapperStep hides the real mpirun behind a wrapper that forces
// the root-safety flag. Training jobs always run as root inside the image.
func variantMPIWrapperStep() ProvisionStep {
	return ProvisionStep{
		Name: "mpi-wrapper",
		Lines: []string{
			"RUN mv " + imageMPIRunPath + " " + imageMPIRunPath + ".real",
			"COPY files/mpirun " + imageMPIRunPath,
			"RUN chmod +x " + imageMPIRunPath,
		},
	}
}

// variantSSHStep wires intra-cluster SSH: a fresh keypair trusted by every
// node built from the same image, host key checking disabled.
func variantSSHStep() ProvisionStep {
	return ProvisionStep{
		Name: "ssh",
		Lines: []string{
			shellChain(
				"mkdir -p /var/run/sshd",
				"sed 's@session\\s*required\\s*pam_loginuid.so@session optional pam_loginuid.so@g' -i /etc/pam.d/sshd",
				"mkdir -p "+imageSSHDir,
				"ssh-keygen -q -t rsa -N '' -f "+imageSSHDir+"/id_rsa",
				"cp "+imageSSHDir+"/id_rsa.pub "+imageSSHDir+"/authorized_keys",
			),
			"COPY files/ssh_config " + imageSSHDir + "/config",
			shellChain(
				"chmod 600 "+imageSSHDir+"/config",
				"chmod 600 "+imageSSHDir+"/authorized_keys",
			),
		},
	}
}

func variantNCCLConfStep() ProvisionStep {
	return ProvisionStep{
		Name:  "nccl-conf",
		Lines: []string{"RUN " + appendLinesOnce(imageNCCLConfPath, ncclTuningLines())},
	}
}

func variantProfilerStep(pins PinSet) ProvisionStep {
	return ProvisionStep{
		Name: "profiler",
		Lines: []string{shellChain(
			"pip install --no-cache-dir forge-profiler==" + pins.Profiler,
		)},
	}
}

func hostedRuntimeSteps(pins PinSet) []ProvisionStep {
	steps := []ProvisionStep{
		{
			Name: "hosted-python-deps",
			Lines: []string{shellChain(
				"/opt/conda/bin/conda install -y pandas scikit-learn h5py",
				"/opt/conda/bin/conda clean -ya",
			)},
		},
		{
			Name: "hosted-toolkit",
			Lines: []string{shellChain(
				"pip install --no-cache-dir hosted-training-toolkit==" + pins.SystemsLib,
			)},
		},
	}
	distributed := []string{}
	if pins.DataParallelURL != "" {
		distributed = append(distributed, "pip install --no-cache-dir "+pins.DataParallelURL)
	}
	if pins.ModelParallelURL != "" {
		distributed = append(distributed, "pip install --no-cache-dir "+pins.ModelParallelURL)
	}
	if len(distributed) > 0 {
		steps = append(steps, ProvisionStep{
			Name:  "hosted-distributed",
			Lines: []string{shellChain(distributed...)},
		})
	}
	return steps
}

// variantLicenseStep places the framework license bundle at its fixed path.
func variantLicenseStep(pins PinSet) ProvisionStep {
	return ProvisionStep{
		Name: "license",
		Lines: []string{shellChain(
			fmt.Sprintf("curl -fSsL -o %s %s", imageLicensePath, pins.LicenseURL),
		)},
	}
}

func variantCleanupStep() ProvisionStep {
	return ProvisionStep{
		Name: "cleanup",
		Lines: []string{shellChain(
			"rm -rf /root/.cache",
			"rm -rf /tmp/*",
			"apt-get clean",
		)},
	}
}

func trainingEntrypointStep() ProvisionStep {
	return ProvisionStep{
		Name:  "entrypoint",
		Lines: []string{`CMD ["/bin/bash"]`},
	}
}

// hostedEntrypointStep installs the hostname-fix wrapper. The managed
// platform boots containers with an unresolvable hostname; the wrapper
// rewrites it from the cluster resource config before handing off.
func hostedEntrypointStep() ProvisionStep {
	return ProvisionStep{
		Name: "entrypoint",
		Lines: []string{
			"COPY files/changehostname.c " + imageEntrypointDir + "/changehostname.c",
			"COPY files/" + hostedEntrypoint + " " + imageEntrypointDir + "/" + hostedEntrypoint,
			"RUN chmod +x " + imageEntrypointDir + "/" + hostedEntrypoint,
			`ENTRYPOINT ["bash", "-m", "` + hostedEntrypoint + `"]`,
			`CMD ["/bin/bash"]`,
		},
	}
}

////////////////////////////////////////////////////////////////////////////////
// Build-context file payloads referenced by COPY instructions
////////////////////////////////////////////////////////////////////////////////

func mpirunWrapperScript() string {
	return "#!/bin/bash\n" +
		imageMPIRunPath + ".real " + mpirunSafetyFlag + " \"$@\"\n"
}

func sshTrustAllConfig() string {
	return "Host *\n" +
		"  StrictHostKeyChecking no\n" +
		"  UserKnownHostsFile /dev/null\n" +
		"  Port 22\n"
}

func hostnameFixScript() string {
	return `#!/bin/bash
# Resolve the algorithm container hostname before the training toolkit starts.
CURRENT_HOST=$(jq .current_host /opt/ml/input/config/resourceconfig.json)

sed -ie "s/PLACEHOLDER_HOSTNAME/$CURRENT_HOST/g` + `" ` + imageEntrypointDir + `/changehostname.c

gcc -o ` + imageEntrypointDir + `/changehostname.o -c -fPIC -Wall ` + imageEntrypointDir + `/changehostname.c
gcc -o ` + imageEntrypointDir + `/libchangehostname.so -shared -export-dynamic ` + imageEntrypointDir + `/changehostname.o -ldl

LD_PRELOAD=` + imageEntrypointDir + `/libchangehostname.so train "$@"
`
}

func changeHostnameSource() string {
	return `#include <string.h>

/*
 * Overrides gethostname so the process sees the hostname assigned in the
 * cluster resource config instead of the container ID.
 */
int gethostname(char *name, size_t len)
{
	const char *val = PLACEHOLDER_HOSTNAME;
	strncpy(name, val, len);
	return 0;
}
`
}
