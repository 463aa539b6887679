package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewResource(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.ServiceVersion = "1.2.3"

	attrs := map[string]string{}
	for _, attr := range newResource(cfg).Attributes() {
		attrs[string(attr.Key)] = attr.Value.AsString()
	}

	assert.Equal(t, "todosync", attrs["service.name"])
	assert.Equal(t, "1.2.3", attrs["service.version"])
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "otel.example.com:4318", stripScheme("https://otel.example.com:4318"))
	assert.Equal(t, "localhost:4318", stripScheme("http://localhost:4318"))
	assert.Equal(t, "localhost:4317", stripScheme("localhost:4317"))
}
