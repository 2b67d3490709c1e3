package app

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/stacklok/content-mirror/internal/cms"
	"github.com/stacklok/content-mirror/internal/registry"
)

func newContentTypesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "content-types",
		Short: "List the content types of the configured space",
		Long: `Fetch the content types of the configured CMS space, validate them the
same way the server does at startup, and print them as a table.`,
		RunE: runContentTypes,
	}
}

func runContentTypes(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	cmsCfg := &cfg.CMS
	client := cms.NewClient(cmsCfg.Space, cmsCfg.GetEnvironment(), cmsCfg.AccessToken,
		cms.WithBaseURL(cmsCfg.GetBaseURL()), cms.WithTimeout(cmsCfg.GetTimeout()))

	reg, err := registry.Load(context.Background(), client, cmsCfg.GetContentTypePageSize())
	if err != nil {
		return err
	}
	return renderContentTypes(cmd.OutOrStdout(), reg.List())
}

func renderContentTypes(w io.Writer, types []*cms.ContentType) error {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Name", "Display Field", "Fields", "Links To")

	for _, ct := range types {
		if err := table.Append(ct.ID, ct.Name, ct.DisplayField, strconv.Itoa(len(ct.Fields)), linkTargets(ct)); err != nil {
			return fmt.Errorf("failed to render content type %s: %w", ct.ID, err)
		}
	}
	return table.Render()
}

// linkTargets lists the content types the entry links of ct may point at
func linkTargets(ct *cms.ContentType) string {
	seen := make(map[string]struct{})
	var targets []string
	add := func(ids []string) {
		for _, id := range ids {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				targets = append(targets, id)
			}
		}
	}
	for _, f := range ct.Fields {
		add(f.LinkContentTypes)
		if f.Items != nil {
			add(f.Items.LinkContentTypes)
		}
	}
	if len(targets) == 0 {
		return "-"
	}
	return strings.Join(targets, ", ")
}
