// Package filtergen generates the fixed subscription table of a build.
// It validates every declaration the way the runtime would — filter
// grammar, datatype names — and emits Go source wiring the table, so the
// subscription count and filter set are frozen at build time.
package filtergen

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/sift-net/sift/filter"
	"github.com/sift-net/sift/subscription"
)

// Declarations is the shape of a subscriptions yaml file.
type Declarations struct {
	Subscriptions []subscription.Decl `yaml:"subscriptions"`
}

// Load reads and validates a subscriptions yaml file. Errors pinpoint the
// offending subscription.
func Load(path string) (*Declarations, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read subscriptions")
	}
	var decls Declarations
	if err := yaml.Unmarshal(raw, &decls); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	if err := Validate(decls.Subscriptions); err != nil {
		return nil, err
	}
	return &decls, nil
}

// Validate checks declarations without requiring registered callbacks:
// filter syntax, satisfiability, datatype names, subscription count.
func Validate(decls []subscription.Decl) error {
	if len(decls) == 0 {
		return errors.New("no subscriptions declared")
	}
	if len(decls) > filter.MaxSubscriptions {
		return errors.Errorf("%d subscriptions declared; the build supports at most %d", len(decls), filter.MaxSubscriptions)
	}
	for i, decl := range decls {
		patterns, err := filter.Parse(decl.Filter)
		if err != nil {
			return errors.Wrapf(err, "subscription %d (%q)", i, decl.Callback)
		}
		if _, err := filter.FullyQualify(patterns); err != nil {
			return errors.Wrapf(err, "subscription %d (%q)", i, decl.Callback)
		}
		if len(decl.Datatypes) == 0 {
			return errors.Errorf("subscription %d (%q): no datatypes requested", i, decl.Callback)
		}
		for _, name := range decl.Datatypes {
			if _, err := subscription.LookupDatatype(name); err != nil {
				return errors.Wrapf(err, "subscription %d (%q)", i, decl.Callback)
			}
		}
		if strings.TrimSpace(decl.Callback) == "" {
			return errors.Errorf("subscription %d: empty callback name", i)
		}
	}
	return nil
}

// Generate emits the subscription table as Go source into w.
func Generate(w io.Writer, pkg string, decls []subscription.Decl) error {
	if err := Validate(decls); err != nil {
		return err
	}

	fmt.Fprintln(w, "// Code generated by siftgen. DO NOT EDIT.")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "package %s\n\n", pkg)
	fmt.Fprintln(w, `import "github.com/sift-net/sift/subscription"`)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "// Subscriptions is the fixed subscription table of this build.")
	fmt.Fprintln(w, "func Subscriptions() []subscription.Decl {")
	fmt.Fprintln(w, "\treturn []subscription.Decl{")
	for _, decl := range decls {
		fmt.Fprintf(w, "\t\t{Filter: %q, Datatypes: %#v, Callback: %q},\n",
			decl.Filter, decl.Datatypes, decl.Callback)
	}
	fmt.Fprintln(w, "\t}")
	fmt.Fprintln(w, "}")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "// BuildSet resolves the table against the registered callbacks.")
	fmt.Fprintln(w, "func BuildSet() (*subscription.Set, error) {")
	fmt.Fprintln(w, "\treturn subscription.Build(Subscriptions())")
	fmt.Fprintln(w, "}")
	return nil
}
