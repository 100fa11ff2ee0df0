package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"gopkg.in/yaml.v2"

	"github.com/i5heu/atomspace/internal/workerpool"
	"github.com/i5heu/atomspace/pkg/atomdb"
	"github.com/i5heu/atomspace/pkg/hasher"
)

// readAtomFile decodes a list of atom inputs. The format follows the file
// extension: .json, .yaml or .yml, optionally followed by .xz or .zst.
func readAtomFile(path string) ([]atomdb.AtomInput, error) { // A
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open atom file: %w", err)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	name := strings.ToLower(path)
	switch filepath.Ext(name) {
	case ".xz":
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("open xz stream: %w", err)
		}
		r = xr
		name = strings.TrimSuffix(name, ".xz")
	case ".zst":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("open zstd stream: %w", err)
		}
		defer zr.Close()
		r = zr
		name = strings.TrimSuffix(name, ".zst")
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read atom file: %w", err)
	}
	return decodeAtoms(data, filepath.Ext(name))
}

func decodeAtoms(data []byte, ext string) ([]atomdb.AtomInput, error) {
	var inputs []atomdb.AtomInput
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &inputs); err != nil {
			return nil, fmt.Errorf("decode json atoms: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &inputs); err != nil {
			return nil, fmt.Errorf("decode yaml atoms: %w", err)
		}
		for i := range inputs {
			normalizeInput(&inputs[i])
		}
	default:
		return nil, fmt.Errorf("unsupported atom file extension %q", ext)
	}
	return inputs, nil
}

// normalizeInput turns the map[interface{}]interface{} values yaml.v2
// produces for nested attributes into JSON-encodable maps.
func normalizeInput(in *atomdb.AtomInput) {
	for k, v := range in.Attributes {
		in.Attributes[k] = normalizeValue(v)
	}
	for i := range in.Targets {
		normalizeInput(&in.Targets[i])
	}
}

func normalizeValue(v any) any {
	switch v := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[fmt.Sprint(k)] = normalizeValue(val)
		}
		return out
	case []any:
		for i := range v {
			v[i] = normalizeValue(v[i])
		}
		return v
	}
	return v
}

type atomAdder interface {
	AddNode(ctx context.Context, in atomdb.AtomInput) (hasher.Handle, error)
	AddLink(ctx context.Context, in atomdb.AtomInput) (hasher.Handle, error)
}

// loadAtoms adds inputs on pool and returns how many were added. Inputs are
// independent since a link add carries its own targets.
func loadAtoms(ctx context.Context, pool *workerpool.Pool, db atomAdder, inputs []atomdb.AtomInput) (int, error) {
	room := workerpool.NewRoom[error](pool, len(inputs))
	for i, in := range inputs {
		add := db.AddNode
		if in.IsLink() {
			add = db.AddLink
		}
		err := room.Submit(func() error {
			if _, err := add(ctx, in); err != nil {
				return fmt.Errorf("atom %d (%s): %w", i, in.Type, err)
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}

	added := 0
	var errs []error
	for _, err := range room.Collect() {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		added++
	}
	return added, errors.Join(errs...)
}
