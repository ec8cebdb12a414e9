// Package bootdriver is the thin orchestration layer over
// internal/bootimport's exported steps (spec.md §4.6): resolve a boot CID,
// verify its dependencies, and apply its sections into an EntityRepo. It
// exists so cmd/cidweave's HTTP "/import" route and cmd/cidctl's "import"
// subcommand share one implementation instead of each re-deriving the
// step ordering.
package bootdriver

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stackdump/cidweave/internal/bootimport"
	"github.com/stackdump/cidweave/internal/entities"
	"github.com/stackdump/cidweave/internal/exportengine"
	"github.com/stackdump/cidweave/internal/logger"
	"github.com/stackdump/cidweave/internal/store"
	"github.com/stackdump/cidweave/internal/workspace"
)

// ErrMissingDependencies is returned when the boot CID references a CID
// that isn't present in the store (spec.md §7 "Boot missing dependencies").
var ErrMissingDependencies = errors.New("bootimport: dependencies missing from the database")

// Import resolves bootCID, verifies every referenced CID is present, and
// applies its sections into dest. It holds the process-wide boot lock for
// its whole duration so no request handler can mutate entity tables
// concurrently (spec.md §5 "no request handlers may mutate entity tables
// during boot import").
func Import(st *store.FSStore, dest *entities.Repo, user, bootCID, secretKey string, lg logger.Logger) error {
	bootimport.Lock()
	defer bootimport.Unlock()

	payload, err := st.Get(bootCID)
	if err != nil {
		return fmt.Errorf("resolving boot cid %s: %w", bootCID, err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("boot cid %s is not a UTF-8 JSON object: %w", bootCID, err)
	}

	refs, err := bootimport.References(payload)
	if err != nil {
		return err
	}
	if missing := bootimport.Missing(refs, st); len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingDependencies, bootimport.MissingDiagnostic(missing))
	}

	if raw, ok := doc["cid_values"]; ok {
		var values map[string]string
		if err := json.Unmarshal(raw, &values); err == nil {
			bootimport.IngestCIDValues(values, st)
		}
	}

	var aliases []bootimport.AliasRow
	if err := fetchSection(st, doc, "aliases", &aliases); err != nil {
		return err
	}
	var servers []bootimport.ServerRow
	if err := fetchSection(st, doc, "servers", &servers); err != nil {
		return err
	}
	var variables []bootimport.VariableRow
	if err := fetchSection(st, doc, "variables", &variables); err != nil {
		return err
	}
	var secretsSection bootimport.SecretsSection
	if err := fetchSection(st, doc, "secrets", &secretsSection); err != nil {
		return err
	}

	if err := bootimport.Apply(dest, st, user, aliases, servers, variables); err != nil {
		return err
	}
	if secretKey != "" {
		applied, failed := bootimport.ApplySecrets(dest, user, secretKey, secretsSection)
		if len(failed) > 0 {
			lg.LogWarn(fmt.Sprintf("boot import: invalid decryption key for secrets: %v", failed))
		}
		if len(applied) > 0 {
			lg.LogInfo(fmt.Sprintf("boot import: applied secrets %v", applied))
		}
	}

	// change_history is exported as a map from entity type to entity name
	// to its ordered event list (exportengine.groupHistory); flatten it
	// back into the flat slice AppendHistoryDeduped expects.
	var grouped map[string]map[string][]workspace.Interaction
	if err := fetchSection(st, doc, "change_history", &grouped); err == nil && len(grouped) > 0 {
		var history []workspace.Interaction
		for _, byName := range grouped {
			for _, events := range byName {
				history = append(history, events...)
			}
		}
		added, err := bootimport.AppendHistoryDeduped(dest, user, history)
		if err != nil {
			lg.LogWarn(fmt.Sprintf("boot import: change history: %v", err))
		} else {
			lg.LogInfo(fmt.Sprintf("boot import: appended %d change_history rows", added))
		}
	}

	// Generate and record a snapshot export (spec.md §4.6 step 6).
	sel := exportengine.Selection{Aliases: true, Servers: true, Variables: true, Secrets: false, StoreContent: true, SecretKey: secretKey}
	if _, err := exportengine.Build(st, dest, user, sel, time.Now().UTC()); err != nil {
		lg.LogWarn(fmt.Sprintf("boot import: snapshot export failed: %v", err))
	}
	return nil
}

// fetchSection resolves a top-level section key (itself a content CID) to
// its JSON bytes and decodes it into dest, skipping absent sections.
func fetchSection(st *store.FSStore, doc map[string]json.RawMessage, key string, dest interface{}) error {
	raw, ok := doc[key]
	if !ok {
		return nil
	}
	var sectionCID string
	if err := json.Unmarshal(raw, &sectionCID); err != nil || sectionCID == "" {
		return nil
	}
	content, err := st.Get(sectionCID)
	if err != nil {
		return fmt.Errorf("resolving %s section %s: %w", key, sectionCID, err)
	}
	return json.Unmarshal(content, dest)
}
