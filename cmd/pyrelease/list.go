package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/relbuild/pyrelease/pkg/manifest"
)

func runStages(args []string) error {
	flagset := flag.NewFlagSet("stages", flag.ExitOnError)
	flagset.Usage = usageFor(flagset, "pyrelease stages")
	if err := flagset.Parse(args); err != nil {
		return err
	}

	r := &release{}
	for _, name := range r.pipeline().Names() {
		fmt.Println(name)
	}
	return nil
}

func runPackages(args []string) error {
	flagset := flag.NewFlagSet("packages", flag.ExitOnError)
	var (
		flManifest = flagset.String(
			"manifest",
			"",
			"package manifest (yaml, json or hcl). Defaults to the built in one",
		)
	)

	flagset.Usage = usageFor(flagset, "pyrelease packages [flags]")
	if err := flagset.Parse(args); err != nil {
		return err
	}

	man, err := loadManifest(*flManifest)
	if err != nil {
		return err
	}

	return printPackages(os.Stdout, man)
}

func printPackages(out io.Writer, man *manifest.Manifest) error {
	fmt.Fprintf(out, "Python %s (%s)\n\n", man.Python.Version, man.Python.Installer)

	w := tabwriter.NewWriter(out, 0, 4, 4, ' ', 0)
	fmt.Fprintf(w, "#\tNAME\tVERSION\tKIND\tARCHIVE\n")
	for i, pkg := range man.Packages {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", i+1, pkg.Name, pkg.Version, pkg.Kind, pkg.ArchiveName())
	}
	return w.Flush()
}

func loadManifest(path string) (*manifest.Manifest, error) {
	if path == "" {
		return manifest.Default()
	}

	man, err := manifest.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "loading manifest %s", path)
	}
	return man, nil
}
