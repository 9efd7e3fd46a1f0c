package export

import (
	"io"

	"gopkg.in/yaml.v3"

	"github.com/nvake/sesh/internal/session"
)

// YAMLExporter exports sessions in YAML format.
type YAMLExporter struct{}

// Export exports a session to YAML format.
func (e *YAMLExporter) Export(sess *session.Session, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	defer func() { _ = enc.Close() }()

	return enc.Encode(newSessionView(sess))
}

// Extension returns the file extension for this format.
func (e *YAMLExporter) Extension() string {
	return "yaml"
}
