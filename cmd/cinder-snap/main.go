// cinder-snap - maintenance tool for the cinder snapshot store
//
// Usage:
//
//	cinder-snap [-db PATH] [-v N] verify FILE
//	cinder-snap [-db PATH] [-v N] import FILE NAME
//	cinder-snap [-db PATH] [-v N] export NAME FILE
//	cinder-snap [-db PATH] [-v N] list
//	cinder-snap [-db PATH] [-v N] delete NAME
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/cinder/manifest"
	"github.com/chazu/cinder/store"
	"github.com/chazu/cinder/vm"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func usage(fs *flag.FlagSet, w io.Writer) func() {
	return func() {
		fmt.Fprintf(w, "Usage: cinder-snap [options] command [args]\n\n")
		fmt.Fprintf(w, "Commands:\n")
		fmt.Fprintf(w, "  verify FILE         check a snapshot file's magic and version\n")
		fmt.Fprintf(w, "  import FILE NAME    store a snapshot file under NAME\n")
		fmt.Fprintf(w, "  export NAME FILE    write the snapshot NAME to FILE\n")
		fmt.Fprintf(w, "  list                list stored snapshots\n")
		fmt.Fprintf(w, "  delete NAME         remove a stored snapshot\n")
		fmt.Fprintf(w, "\nOptions:\n")
		fs.SetOutput(w)
		fs.PrintDefaults()
	}
}

// run executes one command and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cinder-snap", flag.ContinueOnError)
	dbPath := fs.String("db", "", "Snapshot store path (default: from cinder.toml)")
	verbosity := fs.Int("v", 0, "Log verbosity")
	fs.SetOutput(stderr)
	fs.Usage = usage(fs, stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	commonlog.Configure(*verbosity, nil)

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}

	cmd, rest := rest[0], rest[1:]
	want := map[string]int{"verify": 1, "import": 2, "export": 2, "list": 0, "delete": 1}
	n, ok := want[cmd]
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n", cmd)
		fs.Usage()
		return 2
	}
	if len(rest) != n {
		fmt.Fprintf(stderr, "%s expects %d argument(s), got %d\n", cmd, n, len(rest))
		return 2
	}

	if cmd == "verify" {
		if err := verify(rest[0], stdout); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	path, err := resolveStore(*dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	s, err := store.Open(path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer s.Close()

	switch cmd {
	case "import":
		err = importFile(s, rest[0], rest[1], stdout)
	case "export":
		err = exportFile(s, rest[0], rest[1], stdout)
	case "list":
		err = list(s, stdout)
	case "delete":
		err = s.Delete(rest[0])
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// resolveStore picks the store path: the -db flag, then cinder.toml, then
// the default under the current directory.
func resolveStore(flagPath string) (string, error) {
	if flagPath != "" {
		return flagPath, nil
	}
	m, err := manifest.FindAndLoad(".")
	if err != nil {
		return "", err
	}
	if m != nil {
		return m.StorePath(), nil
	}
	return filepath.Join(".cinder", "snapshots.db"), nil
}

func verify(path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	version, err := vm.ReadSnapshotHeader(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	fmt.Fprintf(w, "%s: cinder snapshot version %d, %s\n",
		path, version, humanize.IBytes(uint64(info.Size())))
	return nil
}

func importFile(s *store.Store, path, name string, w io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	e, err := s.Put(name, data)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Imported %s as %s (%s)\n", path, e.Name, e.ID)
	return nil
}

func exportFile(s *store.Store, name, path string, w io.Writer) error {
	data, err := s.Get(name)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}
	fmt.Fprintf(w, "Exported %s to %s (%s)\n", name, path, humanize.IBytes(uint64(len(data))))
	return nil
}

func list(s *store.Store, w io.Writer) error {
	entries, err := s.List()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "No snapshots.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tCREATED\tID")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			e.Name, humanize.IBytes(uint64(e.Size)), humanize.Time(e.Created), e.ID)
	}
	return tw.Flush()
}
