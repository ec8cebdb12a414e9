// Command cidctl is the operator CLI for a cidweave workspace (spec.md
// §6 "External interfaces", "Exit codes (CLI)"): put/get raw blobs,
// verify the CID directory mirror, and drive the export/boot-import
// engines without going through HTTP. Grounded on cmd/keygen/main.go's
// flag.String + required-flag checks + os.Exit(1) on argument errors,
// generalized to a subcommand dispatcher, since cidctl covers more than
// one operation.
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/stackdump/cidweave/internal/bootdriver"
	"github.com/stackdump/cidweave/internal/cid"
	"github.com/stackdump/cidweave/internal/entities"
	"github.com/stackdump/cidweave/internal/exportengine"
	"github.com/stackdump/cidweave/internal/logger"
	"github.com/stackdump/cidweave/internal/store"
)

// Exit codes (spec.md §6): 0 success; 1 CID not found / invalid CID
// format / invalid URL / argument parsing errors; 2 consistency failures
// in the directory mirror.
const (
	exitOK          = 0
	exitUsageOrData = 1
	exitConsistency = 2
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: cidctl <command> [flags]

commands:
  put     [-cid-dir dir] <file|->          store a blob, print its cid
  get     [-cid-dir dir] <cid>             print a blob's bytes to stdout
  fetch   [-cid-dir dir] <url>             store a URL's body, print its cid
  verify  [-cid-dir dir]                   scan the directory mirror for consistency
  export  [-cid-dir dir] [-entities-dir dir] [-user name]   build an export snapshot, print its cid
  import  [-cid-dir dir] [-entities-dir dir] [-user name] [-boot-secret-key key] <boot-cid>`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitUsageOrData)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "put":
		err = runPut(args)
	case "get":
		err = runGet(args)
	case "fetch":
		err = runFetch(args)
	case "verify":
		err = runVerify(args)
	case "export":
		err = runExport(args)
	case "import":
		err = runImport(args)
	default:
		fmt.Fprintf(os.Stderr, "cidctl: unknown command %q\n", cmd)
		usage()
		os.Exit(exitUsageOrData)
	}

	if err == nil {
		os.Exit(exitOK)
	}
	fmt.Fprintln(os.Stderr, "cidctl: "+err.Error())
	if _, ok := err.(*consistencyError); ok {
		os.Exit(exitConsistency)
	}
	os.Exit(exitUsageOrData)
}

// consistencyError marks an error that should exit with exitConsistency
// rather than exitUsageOrData.
type consistencyError struct{ err error }

func (c *consistencyError) Error() string { return c.err.Error() }
func (c *consistencyError) Unwrap() error { return c.err }

func runPut(args []string) error {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	cidDir := fs.String("cid-dir", "cids", "content-addressed blob directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("put requires exactly one argument: a file path or \"-\" for stdin")
	}

	var content []byte
	var err error
	if fs.Arg(0) == "-" {
		content, err = io.ReadAll(os.Stdin)
	} else {
		content, err = os.ReadFile(fs.Arg(0))
	}
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	st := store.NewFSStore(*cidDir)
	c, err := st.Put(content)
	if err != nil {
		return err
	}
	fmt.Println(c)
	return nil
}

func runGet(args []string) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	cidDir := fs.String("cid-dir", "cids", "content-addressed blob directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("get requires exactly one argument: a cid")
	}
	c := fs.Arg(0)
	if !cid.IsNormalized(c) {
		return fmt.Errorf("%q is not a structurally valid cid", c)
	}

	st := store.NewFSStore(*cidDir)
	content, err := st.Get(c)
	if err != nil {
		return fmt.Errorf("cid not found: %w", err)
	}
	_, err = os.Stdout.Write(content)
	return err
}

// fetchClient bounds outbound HTTP the same way server-definition outbound
// requests are bounded (spec.md §5 "Timeouts").
var fetchClient = &http.Client{Timeout: 60 * time.Second}

func runFetch(args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	cidDir := fs.String("cid-dir", "cids", "content-addressed blob directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("fetch requires exactly one argument: a url")
	}
	raw := fs.Arg(0)
	parsed, err := url.ParseRequestURI(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("%q is not a valid http(s) url", raw)
	}

	resp, err := fetchClient.Get(raw)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", raw, err)
	}
	defer resp.Body.Close()
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	st := store.NewFSStore(*cidDir)
	c, err := st.Put(content)
	if err != nil {
		return err
	}
	fmt.Println(c)
	return nil
}

func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	cidDir := fs.String("cid-dir", "cids", "content-addressed blob directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st := store.NewFSStore(*cidDir)
	if err := st.LoadDirectory(false); err != nil {
		return &consistencyError{err: err}
	}
	fmt.Println("ok")
	return nil
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	cidDir := fs.String("cid-dir", "cids", "content-addressed blob directory")
	entitiesDir := fs.String("entities-dir", "entities", "entity row directory")
	user := fs.String("user", "anonymous", "workspace owner")
	secretKey := fs.String("boot-secret-key", "", "passphrase for encrypting secrets in the export")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st := store.NewFSStore(*cidDir)
	if err := st.LoadDirectory(true); err != nil {
		return &consistencyError{err: err}
	}
	ent := entities.NewRepo(*entitiesDir)

	sel := exportengine.Selection{
		Aliases:      true,
		Servers:      true,
		Variables:    true,
		Secrets:      *secretKey != "",
		SecretKey:    *secretKey,
		StoreContent: true,
	}
	result, err := exportengine.Build(st, ent, *user, sel, time.Now().UTC())
	if err != nil {
		return err
	}
	fmt.Println(result.CID)
	return nil
}

func runImport(args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	cidDir := fs.String("cid-dir", "cids", "content-addressed blob directory")
	entitiesDir := fs.String("entities-dir", "entities", "entity row directory")
	user := fs.String("user", "anonymous", "workspace owner")
	secretKey := fs.String("boot-secret-key", "", "passphrase for decrypting secrets on import")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("import requires exactly one argument: a boot cid")
	}

	st := store.NewFSStore(*cidDir)
	if err := st.LoadDirectory(true); err != nil {
		return &consistencyError{err: err}
	}
	ent := entities.NewRepo(*entitiesDir)

	return bootdriver.Import(st, ent, *user, fs.Arg(0), *secretKey, logger.NewTextLogger())
}
