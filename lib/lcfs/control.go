// Copyright 2026 The LCFS Authors
// SPDX-License-Identifier: Apache-2.0

package lcfs

import (
	"fmt"
	"strings"

	"github.com/lcfs-project/lcfs/lib/codec"
)

// Layer management is driven through a reserved xattr namespace on
// the snapshot root directory: the container storage driver issues
// setxattr for create/remove/commit and getxattr for stat, with CBOR
// request and response payloads. The operations are the same methods
// exposed on FileSystem; the xattr path is purely transport.
const (
	controlPrefix = "lcfs.layer."

	// ControlCreate creates a layer; the value is a CBOR
	// CreateLayerRequest.
	ControlCreate = controlPrefix + "create"

	// ControlRemove removes a layer; the value is a CBOR
	// LayerRequest.
	ControlRemove = controlPrefix + "remove"

	// ControlCommit commits a layer; the value is a CBOR
	// LayerRequest.
	ControlCommit = controlPrefix + "commit"

	// ControlStatPrefix prefixes getxattr stat queries:
	// "lcfs.layer.stat:<name>" returns a CBOR LayerStat.
	ControlStatPrefix = controlPrefix + "stat:"
)

// CreateLayerRequest is the payload of a ControlCreate write.
type CreateLayerRequest struct {
	Name     string `cbor:"name"`
	Parent   string `cbor:"parent,omitempty"`
	ReadOnly bool   `cbor:"readonly,omitempty"`
}

// LayerRequest is the payload of ControlRemove and ControlCommit
// writes.
type LayerRequest struct {
	Name string `cbor:"name"`
}

// isControlName reports whether an xattr name is reserved for layer
// management.
func isControlName(name string) bool {
	return strings.HasPrefix(name, controlPrefix)
}

// controlSet dispatches a control write on the snapshot root.
func (fs *FileSystem) controlSet(name string, value []byte) error {
	switch name {
	case ControlCreate:
		var req CreateLayerRequest
		if err := codec.Unmarshal(value, &req); err != nil {
			return fmt.Errorf("decoding create-layer request: %w", ErrInvalid)
		}
		return fs.CreateLayer(req.Name, req.Parent, req.ReadOnly)
	case ControlRemove:
		var req LayerRequest
		if err := codec.Unmarshal(value, &req); err != nil {
			return fmt.Errorf("decoding remove-layer request: %w", ErrInvalid)
		}
		return fs.RemoveLayer(req.Name)
	case ControlCommit:
		var req LayerRequest
		if err := codec.Unmarshal(value, &req); err != nil {
			return fmt.Errorf("decoding commit-layer request: %w", ErrInvalid)
		}
		return fs.CommitLayer(req.Name)
	}
	return fmt.Errorf("control operation %q: %w", name, ErrInvalid)
}

// controlGet dispatches a control read on the snapshot root.
func (fs *FileSystem) controlGet(name string) ([]byte, error) {
	layerName, ok := strings.CutPrefix(name, ControlStatPrefix)
	if !ok {
		return nil, fmt.Errorf("control query %q: %w", name, ErrInvalid)
	}
	stat, err := fs.StatLayer(layerName)
	if err != nil {
		return nil, err
	}
	data, err := codec.Marshal(stat)
	if err != nil {
		return nil, fmt.Errorf("encoding layer stat: %w", err)
	}
	return data, nil
}
