// Package semanticexport projects an export payload (internal/exportengine)
// into JSON-LD and seals it to a CIDv1, as an optional projection alongside
// the primary content-addressed export CID (spec.md §4.5; SPEC_FULL.md §3
// domain-stack table). It answers "what is this export, semantically",
// not a replacement for the primary base64url CID the rest of cidweave
// uses to address content.
package semanticexport

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	goipfscid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	mh "github.com/multiformats/go-multihash"
	"github.com/piprate/json-gold/ld"
)

// contextURL names the JSON-LD @context describing an export payload's vocabulary.
// Preloaded into the document loader below so sealing never depends on a
// live network fetch, keeping the resulting CID deterministic.
const contextURL = "https://cidweave.dev/schema/export"

var (
	cachedLoader     ld.DocumentLoader
	cachedLoaderOnce sync.Once
)

func loader() ld.DocumentLoader {
	cachedLoaderOnce.Do(func() {
		httpLoader := ld.NewDefaultDocumentLoader(http.DefaultClient)
		caching := ld.NewCachingDocumentLoader(httpLoader)
		caching.AddDocument(contextURL, map[string]interface{}{
			"@context": map[string]interface{}{
				"@vocab":        "https://cidweave.dev/schema/export#",
				"aliases":       "https://cidweave.dev/schema/export#aliases",
				"servers":       "https://cidweave.dev/schema/export#servers",
				"variables":     "https://cidweave.dev/schema/export#variables",
				"secrets":       "https://cidweave.dev/schema/export#secrets",
				"change_history": "https://cidweave.dev/schema/export#change_history",
				"app_source":    "https://cidweave.dev/schema/export#app_source",
				"cid_values":    "https://cidweave.dev/schema/export#cid_values",
				"generated_at":  "https://cidweave.dev/schema/export#generated_at",
				"version":       "https://cidweave.dev/schema/export#version",
			},
		})
		cachedLoader = caching
	})
	return cachedLoader
}

// Result is a sealed semantic export projection.
type Result struct {
	// CID is the base58btc-encoded CIDv1 (DagJSON codec, SHA2-256) over the
	// URDNA2015-normalized N-Quads form of the payload.
	CID string
	// CanonicalNQuads is the normalized RDF the CID was computed over.
	CanonicalNQuads []byte
}

// Project wraps payloadJSON (an internal/exportengine payload) with the
// export context and seals it to a semantic CID. payloadJSON must already
// be a JSON object; Project adds "@context" without disturbing its fields.
func Project(payloadJSON []byte) (Result, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(payloadJSON, &doc); err != nil {
		return Result{}, err
	}
	doc["@context"] = contextURL

	proc := ld.NewJsonLdProcessor()
	opts := ld.NewJsonLdOptions("")
	opts.Format = "application/n-quads"
	opts.Algorithm = "URDNA2015"
	opts.DocumentLoader = loader()

	normalized, err := proc.Normalize(doc, opts)
	if err != nil {
		return Result{}, err
	}
	nq, ok := normalized.(string)
	if !ok {
		return Result{}, errors.New("semanticexport: unexpected normalized output type")
	}
	canonical := []byte(nq)

	digest, err := mh.Sum(canonical, mh.SHA2_256, -1)
	if err != nil {
		return Result{}, err
	}
	c := goipfscid.NewCidV1(goipfscid.DagJSON, digest)
	cidStr, err := c.StringOfBase(multibase.Base58BTC)
	if err != nil {
		return Result{}, err
	}

	return Result{CID: cidStr, CanonicalNQuads: canonical}, nil
}
