package forge

import "context"

////////////////////////////////////////////////////////////////////////////////
// Workers (resolve -> base -> variant -> assemble -> audit)
////////////////////////////////////////////////////////////////////////////////

const (
	workerNameResolver  = "resolver"
	workerNameBase      = "baseProv"
	workerNameVariant   = "variant"
	workerNameAssembler = "assembler"
	workerNameAuditor   = "auditor"
)

type Worker interface {
	Start(ctx context.Context) error
}

type WorkerBase struct {
	name        string
	natsURL     string
	subjectIn   string
	subjectOut  string
	artifacts   ArtifactStore
	buildEvents *buildEventHub
}

func newWorkerBase(
	name, natsURL, subjectIn, subjectOut string,
	artifacts ArtifactStore,
	buildEvents *buildEventHub,
) WorkerBase {
	return WorkerBase{
		name:        name,
		natsURL:     natsURL,
		subjectIn:   subjectIn,
		subjectOut:  subjectOut,
		artifacts:   artifacts,
		buildEvents: buildEvents,
	}
}

type (
	PinResolverWorker        struct{ WorkerBase }
	BaseProvisionerWorker    struct{ WorkerBase }
	VariantProvisionerWorker struct{ WorkerBase }
	ImageAssemblerWorker     struct {
		WorkerBase

		modeResolution assemblerModeResolution
	}
	ComplianceAuditorWorker struct{ WorkerBase }
)

func NewPinResolverWorker(
	natsURL string,
	artifacts ArtifactStore,
	buildEvents *buildEventHub,
) *PinResolverWorker {
	return &PinResolverWorker{
		WorkerBase: newWorkerBase(
			workerNameResolver,
			natsURL,
			subjectBuildOpStart,
			subjectResolveDone,
			artifacts,
			buildEvents,
		),
	}
}

func NewBaseProvisionerWorker(
	natsURL string,
	artifacts ArtifactStore,
	buildEvents *buildEventHub,
) *BaseProvisionerWorker {
	return &BaseProvisionerWorker{
		WorkerBase: newWorkerBase(
			workerNameBase,
			natsURL,
			subjectResolveDone,
			subjectBaseDone,
			artifacts,
			buildEvents,
		),
	}
}

func NewVariantProvisionerWorker(
	natsURL string,
	artifacts ArtifactStore,
	buildEvents *buildEventHub,
) *VariantProvisionerWorker {
	return &VariantProvisionerWorker{
		WorkerBase: newWorkerBase(
			workerNameVariant,
			natsURL,
			subjectBaseDone,
			subjectVariantDone,
			artifacts,
			buildEvents,
		),
	}
}

func NewImageAssemblerWorker(
	natsURL string,
	artifacts ArtifactStore,
	buildEvents *buildEventHub,
	modeResolution assemblerModeResolution,
) *ImageAssemblerWorker {
	return &ImageAssemblerWorker{
		WorkerBase: newWorkerBase(
			workerNameAssembler,
			natsURL,
			subjectVariantDone,
			subjectAssembleDone,
			artifacts,
			buildEvents,
		),
		modeResolution: modeResolution,
	}
}

func NewComplianceAuditorWorker(
	natsURL string,
	artifacts ArtifactStore,
	buildEvents *buildEventHub,
) *ComplianceAuditorWorker {
	return &ComplianceAuditorWorker{
		WorkerBase: newWorkerBase(
			workerNameAuditor,
			natsURL,
			subjectAssembleDone,
			subjectAuditDone,
			artifacts,
			buildEvents,
		),
	}
}

func (w *PinResolverWorker) Start(ctx context.Context) error {
	return startWorker(
		ctx,
		w.name,
		w.natsURL,
		w.subjectIn,
		w.subjectOut,
		w.artifacts,
		w.buildEvents,
		pinResolverWorkerAction,
	)
}

func (w *BaseProvisionerWorker) Start(ctx context.Context) error {
	return startWorker(
		ctx,
		w.name,
		w.natsURL,
		w.subjectIn,
		w.subjectOut,
		w.artifacts,
		w.buildEvents,
		baseProvisionerWorkerAction,
	)
}

func (w *VariantProvisionerWorker) Start(ctx context.Context) error {
	return startWorker(
		ctx,
		w.name,
		w.natsURL,
		w.subjectIn,
		w.subjectOut,
		w.artifacts,
		w.buildEvents,
		variantProvisionerWorkerAction,
	)
}

func (w *ImageAssemblerWorker) Start(ctx context.Context) error {
	return startWorker(
		ctx,
		w.name,
		w.natsURL,
		w.subjectIn,
		w.subjectOut,
		w.artifacts,
		w.buildEvents,
		func(
			actionCtx context.Context,
			store *Store,
			artifacts ArtifactStore,
			msg BuildOpMsg,
		) (BuildResultMsg, error) {
			return imageAssemblerWorkerActionWithMode(
				actionCtx,
				store,
				artifacts,
				msg,
				w.modeResolution,
			)
		},
	)
}

func (w *ComplianceAuditorWorker) Start(ctx context.Context) error {
	return startWorker(
		ctx,
		w.name,
		w.natsURL,
		w.subjectIn,
		w.subjectOut,
		w.artifacts,
		w.buildEvents,
		complianceAuditorWorkerAction,
	)
}

type workerFn func(ctx context.Context, store *Store, artifacts ArtifactStore, msg BuildOpMsg) (BuildResultMsg, error)
