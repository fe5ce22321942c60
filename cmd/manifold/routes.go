package main

import (
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/manifold-api/manifold/internal/cli/ui"
	"github.com/manifold-api/manifold/internal/config"
)

var routesNoColor bool

func init() {
	routesCmd.Flags().BoolVar(&routesNoColor, "no-color", false, "Disable colored output")
}

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "List the routes bound for the declared resources",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		table := ui.NewTable(os.Stdout, []string{"METHOD", "PATH", "ACTION"}, &ui.TableOptions{NoColor: routesNoColor})
		for _, row := range routeRows(cfg.Resources) {
			table.AddRow(row...)
		}
		table.Render()
		return nil
	},
}

// routeRows expands each resource declaration into the routes the controller
// binds for it. Write routes are listed for read-only resources too; they
// answer 403 instead of 404.
func routeRows(resources []config.ResourceConfig) [][]string {
	sorted := make([]config.ResourceConfig, len(resources))
	copy(sorted, resources)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Type < sorted[j].Type })

	var rows [][]string
	for _, res := range sorted {
		base := "/" + res.Type
		rows = append(rows,
			[]string{"GET", base, "list"},
			[]string{"POST", base, "create"},
			[]string{"DELETE", base, "bulk delete"},
		)

		labels := make([]string, 0, len(res.Labels))
		for label := range res.Labels {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			rows = append(rows, []string{"GET", base + "/labeled/" + label, "list (label)"})
		}

		rows = append(rows,
			[]string{"GET", base + "/{id}", "show"},
			[]string{"PATCH", base + "/{id}", "update"},
			[]string{"PUT", base + "/{id}", "update"},
			[]string{"DELETE", base + "/{id}", "delete"},
		)

		rels := make([]config.RelationshipConfig, len(res.Relationships))
		copy(rels, res.Relationships)
		sort.Slice(rels, func(i, j int) bool { return rels[i].Name < rels[j].Name })
		for _, rel := range rels {
			action := "show related"
			if rel.ToMany {
				action = "list related"
			}
			rows = append(rows, []string{"GET", base + "/{id}/" + rel.Name, action})
		}
	}
	return rows
}
