package model

// Known GLM model identifiers accepted by the query endpoint.
// See https://docs.bigmodel.cn/cn/guide/start/model-overview
const (
	ModelGLM45Flash = "GLM-4.5-Flash"
	ModelGLM4Flash  = "GLM-4-Flash-250414"
	ModelGLM45Air   = "GLM-4.5-Air"
	ModelGLM45AirX  = "GLM-4.5-AirX"
	ModelGLM4Air    = "GLM-4-Air-250414"
	ModelGLM45X     = "GLM-4.5-X"
	ModelGLM4AirX   = "GLM-4-AirX"
	ModelGLM4FlashX = "GLM-4-FlashX-250414"
	ModelGLM45      = "GLM-4.5"
	ModelGLM4Plus   = "GLM-4-Plus"
	ModelGLM46      = "GLM-4.6"
	ModelGLM4Long   = "GLM-4-Long"
)

// DefaultModel is used when a query request does not name one.
const DefaultModel = ModelGLM45Flash

var knownModels = map[string]bool{
	ModelGLM45Flash: true,
	ModelGLM4Flash:  true,
	ModelGLM45Air:   true,
	ModelGLM45AirX:  true,
	ModelGLM4Air:    true,
	ModelGLM45X:     true,
	ModelGLM4AirX:   true,
	ModelGLM4FlashX: true,
	ModelGLM45:      true,
	ModelGLM4Plus:   true,
	ModelGLM46:      true,
	ModelGLM4Long:   true,
}

func IsKnownModel(name string) bool {
	return knownModels[name]
}
