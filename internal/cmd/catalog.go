package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/opengovern/vendor-bridge/catalog"
)

func newCatalogCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the vendor catalog",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List known vendors",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				reg, err := a.registry()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), renderVendors(reg))
				return err
			},
		},
		&cobra.Command{
			Use:   "show <vendor>",
			Short: "Show a vendor's limits and operations",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				reg, err := a.registry()
				if err != nil {
					return err
				}
				v, ok := reg.Lookup(args[0])
				if !ok {
					return fmt.Errorf("unknown vendor %q", args[0])
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), renderVendor(v))
				return err
			},
		},
	)
	return cmd
}

func renderVendors(reg *catalog.Registry) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Vendor", "Base URL", "Auth", "Rate Limit", "Operations"})
	for _, name := range reg.Names() {
		v, _ := reg.Lookup(name)
		t.AppendRow(table.Row{v.Name, v.BaseURL, authLabel(v.Auth), limitLabel(v), len(v.Operations)})
	}
	t.AppendFooter(table.Row{"", "", "", "Total", reg.Len()})
	return t.Render()
}

func renderVendor(v catalog.Vendor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n", v.Name, v.BaseURL)
	if v.Description != "" {
		fmt.Fprintf(&b, "%s\n", v.Description)
	}
	fmt.Fprintf(&b, "auth: %s  rate limit: %s  vendor limits: %t\n\n", authLabel(v.Auth), limitLabel(v), v.VendorLimits())

	if len(v.CallTypes) > 0 {
		ct := table.NewWriter()
		ct.SetStyle(table.StyleRounded)
		ct.AppendHeader(table.Row{"Call Type", "Methods", "Path", "Budget"})
		for _, c := range v.CallTypes {
			path := c.PathPrefix + "*"
			if c.PathContains != "" {
				path = "*" + c.PathContains + "*"
			}
			budget := "-"
			if c.Requests > 0 {
				budget = fmt.Sprintf("%d/%s", c.Requests, c.Window)
			}
			ct.AppendRow(table.Row{c.Name, strings.Join(c.Methods, ","), path, budget})
		}
		b.WriteString(ct.Render())
		b.WriteString("\n\n")
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Operation", "Method", "Path", "Required", "Query"})
	for _, name := range v.OperationNames() {
		op := v.Operations[name]
		t.AppendRow(table.Row{name, strings.ToUpper(op.Method), op.Path, strings.Join(op.Required, ","), strings.Join(op.Query, ",")})
	}
	b.WriteString(t.Render())
	return b.String()
}

func authLabel(a catalog.Auth) string {
	typ := a.Type
	if typ == "" {
		typ = "bearer"
	}
	switch {
	case a.Scheme != "":
		return typ + " (" + a.Scheme + ")"
	case a.Header != "":
		return typ + " (" + a.Header + ")"
	case a.Param != "":
		return typ + " (?" + a.Param + "=)"
	}
	return typ
}

func limitLabel(v catalog.Vendor) string {
	switch {
	case v.MinInterval > 0:
		return "every " + v.MinInterval.String()
	case v.RateLimit != nil:
		return strconv.Itoa(v.RateLimit.Requests) + "/" + v.RateLimit.Window.String()
	case len(v.CallTypes) > 0:
		return "per call type"
	case v.VendorLimits():
		return "vendor headers"
	}
	return "-"
}
