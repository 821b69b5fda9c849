package handler

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/kulangara/backend/docs"
)

// OpenAPIHandler serves the generated OpenAPI document, rendered once. A
// non-empty version replaces the one baked into the document.
func OpenAPIHandler(version string) gin.HandlerFunc {
	if version != "" {
		docs.SwaggerInfo.Version = version
	}
	var (
		once sync.Once
		doc  []byte
	)
	return func(c *gin.Context) {
		once.Do(func() {
			doc = []byte(docs.SwaggerInfo.ReadDoc())
		})
		c.Data(http.StatusOK, "application/json; charset=utf-8", doc)
	}
}
