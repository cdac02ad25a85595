package forge

////////////////////////////////////////////////////////////////////////////////
// Subjects (resolve -> base -> variant -> assemble -> audit chain) + KV buckets
////////////////////////////////////////////////////////////////////////////////

const (
	// API publishes build operations here.
	subjectBuildOpStart = "forge.build.op.start"

	// Worker pipeline chain.
	subjectResolveDone  = "forge.build.op.resolve.done"
	subjectBaseDone     = "forge.build.op.base.done"
	subjectVariantDone  = "forge.build.op.variant.done"
	subjectAssembleDone = "forge.build.op.assemble.done"
	subjectAuditDone    = "forge.build.op.audit.done"

	// KV buckets.
	kvBucketRecipes = "forge_recipes"
	kvBucketBuilds  = "forge_builds"

	// Keys in KV.
	kvRecipeKeyPrefix           = "recipe/"
	kvBuildKeyPrefix            = "build/"
	kvRecipeBuildIndexKeyPrefix = "index/recipe-builds/"
)
