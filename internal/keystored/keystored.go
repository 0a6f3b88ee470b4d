// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keychain.
//
// go-keychain is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package keystored assembles a dispatcher.Service from a
// config.KeystoreConfig: it is the composition root cmd/keystored calls into,
// kept separate from main() so tests can construct a Service the same way
// the binary does.
package keystored

import (
	"context"
	"fmt"

	"github.com/jeremyhahn/go-keychain/internal/acl"
	"github.com/jeremyhahn/go-keychain/internal/blobstore"
	"github.com/jeremyhahn/go-keychain/internal/config"
	"github.com/jeremyhahn/go-keychain/internal/device"
	"github.com/jeremyhahn/go-keychain/internal/device/software"
	"github.com/jeremyhahn/go-keychain/internal/dispatcher"
	"github.com/jeremyhahn/go-keychain/internal/masterkey"
	"github.com/jeremyhahn/go-keychain/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keychain/pkg/ratelimit"
	"github.com/jeremyhahn/go-keychain/pkg/storage"
)

// PrimaryDevice resolves cfg.PrimaryDevice to a device.SecureDevice. Only
// the software device is implemented; any other configured name falls back
// to it with a warning, matching the daemon's own fallback-device rule
// rather than failing startup.
func PrimaryDevice(name string, log logger.Logger) device.SecureDevice {
	switch name {
	case "software", "":
		return software.New()
	default:
		log.Warn("primary device not implemented, falling back to software", logger.String("requested", name))
		return software.New()
	}
}

// New builds a ready-to-use dispatcher.Service from cfg, using in-memory
// storage backends. A persistent deployment swaps storage.NewMemory() for a
// file-backed storage.Backend without touching the rest of this function.
func New(cfg *config.KeystoreConfig, log logger.Logger) (*dispatcher.Service, error) {
	if cfg == nil {
		cfg = config.DefaultKeystoreConfig()
	}
	if log == nil {
		log = logger.NewSlogAdapter(nil)
	}

	primary := PrimaryDevice(cfg.PrimaryDevice, log)
	fallback := software.New()

	wrappedKeys := storage.NewMemory()
	master := masterkey.New(wrappedKeys, primary, fallback)

	blobBackend := storage.NewMemory()
	charBackend := storage.NewMemory()
	blobs := blobstore.New(blobBackend, charBackend, master)

	aclStore := acl.New()
	for _, uid := range cfg.PrivilegedUIDs {
		principal := acl.Principal(uid * acl.AppIDModulus)
		if err := aclStore.Bind(context.Background(), principal, acl.RoleSystem); err != nil {
			return nil, fmt.Errorf("keystored: binding privileged uid %d: %w", uid, err)
		}
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(&ratelimit.Config{
			Enabled:           true,
			RequestsPerMinute: cfg.RateLimit.RequestsPerMin,
		})
	}

	return dispatcher.New(blobs, master, aclStore, limiter, log), nil
}
