package handlers

import (
	"log/slog"
	"net/http"

	"gopkg.in/yaml.v3"
)

// ConfigHandler serves the running configuration as YAML with secrets redacted.
// ?section=<key> narrows the response to one top-level key, such as engine or signals.
type ConfigHandler struct {
	logger         *slog.Logger
	configProvider ConfigProvider
}

// NewConfigHandler creates a new ConfigHandler.
func NewConfigHandler(logger *slog.Logger, provider ConfigProvider) *ConfigHandler {
	return &ConfigHandler{
		logger:         logger,
		configProvider: provider,
	}
}

// ServeHTTP implements http.Handler.
func (h *ConfigHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var doc yaml.Node
	if err := doc.Encode(h.configProvider.Config().Redacted()); err != nil {
		h.logger.Error("failed to encode config", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to encode config")
		return
	}

	out := &doc
	if name := r.URL.Query().Get("section"); name != "" {
		out = section(&doc, name)
		if out == nil {
			writeError(w, http.StatusNotFound, "unknown config section: "+name)
			return
		}
	}

	w.Header().Set("Content-Type", "text/yaml")
	w.WriteHeader(http.StatusOK)
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	if err := enc.Encode(out); err != nil {
		h.logger.Error("failed to write config", "error", err)
	}
}

// section returns the value under key in a YAML mapping, or nil.
func section(doc *yaml.Node, key string) *yaml.Node {
	if doc.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		if doc.Content[i].Value == key {
			return doc.Content[i+1]
		}
	}
	return nil
}
