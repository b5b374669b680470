package http

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dkeye/jamsync/internal/cid"
)

// CIDMiddleware attaches a correlation id to the request context and echoes
// it back. An incoming id is preserved.
func CIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(cid.HeaderName)
		if id == "" {
			id = cid.New()
		}
		c.Request = c.Request.WithContext(cid.WithCID(c.Request.Context(), id))
		c.Header(cid.HeaderName, id)
		c.Next()
	}
}

// OtelMiddleware starts one server span per request.
func OtelMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("jamsync/http")
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), fmt.Sprintf("%s %s", c.Request.Method, c.FullPath()))
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.target", c.Request.URL.Path),
		)
		if id := cid.FromContext(ctx); id != "" {
			span.SetAttributes(attribute.String(cid.AttributeName, id))
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("status %d", status))
		}
		log.Debug().Str("module", "adapters.http").Str("cid", cid.FromContext(ctx)).Str("method", c.Request.Method).Str("path", c.Request.URL.Path).Int("status", status).Msg("request")
	}
}
