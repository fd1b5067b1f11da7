package sessionstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"replaydesk/internal/replay"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const snapshotSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "symbol", "timeframe", "positions", "balance", "initialBalance"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string"},
    "symbol": {"type": "string", "minLength": 1},
    "timeframe": {"type": "string", "minLength": 1},
    "startDate": {"type": "integer"},
    "endDate": {"type": "integer"},
    "created": {"type": "integer"},
    "lastUpdated": {"type": "integer"},
    "cursor": {"type": "integer", "minimum": 0},
    "balance": {"type": "number"},
    "initialBalance": {"type": "number", "exclusiveMinimum": 0},
    "positions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type", "orderType", "entryPrice", "size", "status"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "parentId": {"type": "string"},
          "type": {"enum": ["BUY", "SELL"]},
          "orderType": {"enum": ["MARKET", "LIMIT", "STOP"]},
          "entryPrice": {"type": "number", "exclusiveMinimum": 0},
          "size": {"type": "number", "exclusiveMinimum": 0},
          "initialSize": {"type": "number", "minimum": 0},
          "sl": {"type": ["number", "null"]},
          "tp": {"type": ["number", "null"]},
          "status": {"enum": ["PENDING", "OPEN", "CLOSED"]},
          "entryTime": {"type": "integer", "minimum": 0},
          "exitPrice": {"type": ["number", "null"]},
          "exitTime": {"type": ["integer", "null"]},
          "exitReason": {"enum": ["", "TP", "SL", "MANUAL", "PARTIAL"]},
          "closedPnl": {"type": "number"}
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("snapshot.json", bytes.NewReader([]byte(snapshotSchema))); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = compiler.Compile("snapshot.json")
	})
	return schema, schemaErr
}

// DecodeSnapshot parses an exported session file, validating it before it
// can be handed to a replay session.
func DecodeSnapshot(raw []byte) (replay.Snapshot, error) {
	sch, err := compiledSchema()
	if err != nil {
		return replay.Snapshot{}, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return replay.Snapshot{}, fmt.Errorf("snapshot 不是合法 JSON: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return replay.Snapshot{}, fmt.Errorf("snapshot 校验失败: %w", err)
	}
	var snap replay.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return replay.Snapshot{}, err
	}
	return snap.Clone(), nil
}
