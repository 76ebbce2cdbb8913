package main

import (
	"context"
	"fmt"

	"github.com/apex/log"

	"github.com/aluedeke/go-provision/pkg/codesign"
	"github.com/aluedeke/go-provision/pkg/provision"
)

// exportSigner hands the provisioned app to an external signer by writing
// the identity and per-bundle entitlements into Dir.
type exportSigner struct {
	Dir      string
	Password string
}

func (s *exportSigner) Sign(ctx context.Context, appPath string, identity *provision.SigningIdentity, entitlements map[string]provision.Entitlements) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if identity == nil || identity.X509 == nil || identity.PrivateKey == nil {
		return fmt.Errorf("no signing identity for %s", appPath)
	}

	files := make(map[string]map[string]interface{}, len(entitlements))
	for path, ents := range entitlements {
		files[path] = ents
	}
	if err := codesign.ExportSigningFiles(s.Dir, identity.X509, identity.PrivateKey, s.Password, files); err != nil {
		return err
	}
	log.WithFields(log.Fields{"dir": s.Dir, "bundles": len(files)}).Info("exported signing files")
	return nil
}
