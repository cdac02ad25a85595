//nolint:testpackage // External tests call these wrappers; bridge must access unexported internals.
package forge

import (
	"context"
	"net/http"
)

const (
	RecipeAPIVersionForTest = recipeAPIVersion
	RecipeKindForTest       = recipeKind

	ImageLicensePathForTest  = imageLicensePath
	ImageNCCLConfPathForTest = imageNCCLConfPath
	HostedEntrypointForTest  = hostedEntrypoint
	MpirunSafetyFlagForTest  = mpirunSafetyFlag

	RecipePhaseReadyForTest    = recipePhaseReady
	RecipePhaseDeletingForTest = recipePhaseDeleting
)

func NewTestAPI(artifacts ArtifactStore) *API {
	return &API{
		nc:                nil,
		store:             nil,
		artifacts:         artifacts,
		waiters:           nil,
		events:            nil,
		heartbeatInterval: 0,
	}
}

func InvokeHandleRecipeByIDForTest(api *API, w http.ResponseWriter, r *http.Request) {
	api.handleRecipeByID(w, r)
}

func InvokeHandleRecipeArtifactsForTest(api *API, w http.ResponseWriter, r *http.Request) {
	api.handleRecipeArtifacts(w, r)
}

func NormalizeRecipeSpecForTest(in RecipeSpec) RecipeSpec {
	return normalizeRecipeSpec(in)
}

func ValidateRecipeSpecForTest(spec RecipeSpec) error {
	return validateRecipeSpec(spec)
}

func ValidateVariantForTest(variant string) error {
	return validateVariant(variant)
}

func DecodeRecipeSpecForTest(body []byte) (RecipeSpec, error) {
	return decodeRecipeSpec(body)
}

func EncodeRecipeSpecYAMLForTest(spec RecipeSpec) ([]byte, error) {
	return encodeRecipeSpecYAML(spec)
}

func BuildBaseStageForTest(spec RecipeSpec) StagePlan {
	return buildBaseStage(spec)
}

func BuildVariantStageForTest(spec RecipeSpec, variant string) (StagePlan, error) {
	return buildVariantStage(spec, variant)
}

func StagePlanStepNamesForTest(plan StagePlan) []string {
	return plan.stepNames()
}

func StagePlanFindStepForTest(plan StagePlan, name string) (ProvisionStep, bool) {
	return plan.findStep(name)
}

func BaseImageRefForTest(pins PinSet) string {
	return baseImageRef(pins)
}

func RenderDockerfileForTest(spec RecipeSpec, variant string, base, stage StagePlan) []byte {
	return renderDockerfile(spec, variant, base, stage)
}

func ValidateDockerfileForTest(body []byte) error {
	return validateDockerfile(body)
}

func AuditRenderedDockerfileForTest(body []byte, variant string) error {
	return auditRenderedDockerfile(body, variant)
}

func NCCLTuningLinesForTest() []string {
	return ncclTuningLines()
}

func ShellSingleQuoteForTest(s string) string {
	return shellSingleQuote(s)
}

func AppendLinesOnceForTest(path string, lines []string) string {
	return appendLinesOnce(path, lines)
}

func MpirunWrapperScriptForTest() string {
	return mpirunWrapperScript()
}

func SSHTrustAllConfigForTest() string {
	return sshTrustAllConfig()
}

func HostnameFixScriptForTest() string {
	return hostnameFixScript()
}

func ChangeHostnameSourceForTest() string {
	return changeHostnameSource()
}

func ImageTagForForTest(spec RecipeSpec, variant, buildID string) string {
	return imageTagFor(spec, variant, buildID)
}

func RenderThirdPartyNoticesForTest(pins PinSet) []byte {
	return renderThirdPartyNotices(pins)
}

func GenerateClusterSSHKeyPairForTest() ([]byte, []byte, error) {
	return generateClusterSSHKeyPair()
}

func EnsureRecipeLedgerForTest(ctx context.Context, dir string) error {
	return ensureRecipeLedger(ctx, dir)
}

func LedgerCommitIfChangedForTest(ctx context.Context, dir, message string) (bool, error) {
	return ledgerCommitIfChanged(ctx, dir, message)
}

func LedgerHeadHashForTest(ctx context.Context, dir string) (string, error) {
	return ledgerHeadHash(ctx, dir)
}

type WaiterHubForTest struct {
	hub *waiterHub
}

func NewWaiterHubForTest() *WaiterHubForTest {
	return &WaiterHubForTest{
		hub: newWaiterHub(),
	}
}

func (h *WaiterHubForTest) Register(buildID string) <-chan BuildResultMsg {
	return h.hub.register(buildID)
}

func (h *WaiterHubForTest) Unregister(buildID string) {
	h.hub.unregister(buildID)
}

func (h *WaiterHubForTest) Deliver(buildID string, msg BuildResultMsg) {
	h.hub.deliver(buildID, msg)
}
