// Command protocolschema emits the JSON schema of the wire protocol so
// client implementations in other languages can validate their codecs.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"github.com/Zakru/DigitalExtinction-Game/internal/net/proto"
)

func main() {
	var outPath string
	flag.StringVar(&outPath, "out", "", "path to write the JSON schema")
	flag.Parse()

	if outPath == "" {
		fmt.Fprintln(os.Stderr, "--out is required")
		os.Exit(1)
	}

	if err := writeSchema(outPath, buildSchema()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write schema: %v\n", err)
		os.Exit(1)
	}
}

func buildSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{}

	envelope := reflector.Reflect(new(proto.Envelope))
	envelope.Title = "Digital Extinction Wire Protocol"
	envelope.Description = "Envelope and payload types exchanged over the match websocket."

	// The envelope payload is opaque msgpack; enumerate the payload types
	// alongside it so generators can bind each message type.
	payloads := map[string]any{
		string(proto.TypeJoin):         new(proto.Join),
		string(proto.TypeJoinAck):      new(proto.JoinAck),
		string(proto.TypeCommandSet):   new(proto.CommandSet),
		string(proto.TypeConfirm):      new(proto.Confirm),
		string(proto.TypeHeartbeat):    new(proto.Heartbeat),
		string(proto.TypeHeartbeatAck): new(proto.HeartbeatAck),
		string(proto.TypeState):        new(proto.State),
		string(proto.TypeMatchEvent):   new(proto.MatchEvent),
		string(proto.TypeError):        new(proto.ErrorMsg),
	}
	for name, payload := range payloads {
		schema := reflector.Reflect(payload)
		schema.Version = ""
		if envelope.Definitions == nil {
			envelope.Definitions = jsonschema.Definitions{}
		}
		envelope.Definitions["payload_"+name] = schema
	}
	return envelope
}

func writeSchema(outPath string, schema *jsonschema.Schema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create schema directory: %w", err)
	}

	tmpPath := outPath + ".tmp"
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write temp schema: %w", err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("replace schema: %w", err)
	}
	return nil
}
