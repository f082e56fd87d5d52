package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/devdock/pkg/template"
)

// TemplateFlags configures the template command.
type TemplateFlags struct {
	Path   string
	Format string
}

func createTemplateCommand(c *command) *cobra.Command {
	f := &TemplateFlags{}
	gen := template.NewGenerator()
	cmd := &cobra.Command{
		Use:   "template <type> <project-id>",
		Short: "Print a starter [[projects]] entry",
		Long: fmt.Sprintf(`Print a project entry to append to devdock.toml.

Types: %s

Examples:
  devdock template node web --path ../web >> devdock.toml
  devdock template make tools --format json`, strings.Join(gen.GetSupportedTypes(), ", ")),
		Args: cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			typ := template.TemplateType(strings.ToLower(args[0]))
			var (
				out []byte
				err error
			)
			switch strings.ToLower(f.Format) {
			case "", "toml":
				out, err = gen.GenerateTOML(typ, args[1], f.Path)
			case "json":
				out, err = gen.GenerateJSON(typ, args[1], f.Path)
			default:
				return fmt.Errorf("unknown format %q (toml|json)", f.Format)
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.out, strings.TrimRight(string(out), "\n"))
			return err
		},
	}
	cmd.Flags().StringVar(&f.Path, "path", "", "project directory (default ./<project-id>)")
	cmd.Flags().StringVar(&f.Format, "format", "toml", "output format: toml|json")
	return cmd
}
