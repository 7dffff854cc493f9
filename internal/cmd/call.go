package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	vendorbridge "github.com/opengovern/vendor-bridge"
)

func newCallCmd(a *app) *cobra.Command {
	var (
		params     []string
		data       string
		token      string
		raw        bool
		timeout    time.Duration
		maxRetries int
	)

	cmd := &cobra.Command{
		Use:   "call <vendor> <operation>",
		Short: "Call a catalog operation of a vendor",
		Long: `Call a named operation from the vendor catalog and print the response.

The token is taken from --token or from the BRIDGE_<VENDOR>_TOKEN
environment variable, e.g. BRIDGE_DOPPLER_TOKEN.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vendorName, operation := strings.ToLower(args[0]), args[1]

			reg, err := a.registry()
			if err != nil {
				return err
			}
			vendor, ok := reg.Lookup(vendorName)
			if !ok {
				return fmt.Errorf("unknown vendor %q (see 'bridgectl catalog list')", vendorName)
			}

			kv, err := parseParams(params)
			if err != nil {
				return err
			}
			var body any
			if data != "" {
				if !json.Valid([]byte(data)) {
					return fmt.Errorf("--data is not valid JSON")
				}
				body = json.RawMessage(data)
			}

			if token == "" {
				token = a.v.GetString(vendorName + "_token")
			}

			cfg := vendorbridge.ConfigFromVendor(vendor, token)
			if timeout > 0 {
				cfg.Timeout = timeout
			}
			if cmd.Flags().Changed("max-retries") {
				cfg.MaxRetries = maxRetries
			}
			bridge := vendorbridge.NewBridge(
				vendorbridge.WithLogger(a.log),
				vendorbridge.WithDebug(a.v.GetBool("verbose")),
			)
			if _, err := bridge.RegisterVendorConfig(vendor, cfg); err != nil {
				return err
			}

			resp, err := bridge.Call(cmd.Context(), vendorName, operation, kv, body)
			if err != nil {
				return err
			}
			a.log.Debug().Int("status", resp.StatusCode).Int("attempts", resp.Attempts).Msg("call finished")
			return printResponse(cmd, resp, raw)
		},
	}

	f := cmd.Flags()
	f.StringArrayVarP(&params, "param", "p", nil, "operation parameter as key=value (repeatable)")
	f.StringVarP(&data, "data", "d", "", "JSON request body")
	f.StringVar(&token, "token", "", "vendor API token (default $BRIDGE_<VENDOR>_TOKEN)")
	f.BoolVar(&raw, "raw", false, "print the response body unchanged")
	f.DurationVar(&timeout, "timeout", 0, "per attempt timeout (default 30s)")
	f.IntVar(&maxRetries, "max-retries", vendorbridge.DefaultMaxRetries, "retries on 429, 5xx and network errors")
	return cmd
}

func parseParams(in []string) (map[string]string, error) {
	out := make(map[string]string, len(in))
	for _, p := range in {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --param %q, want key=value", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func printResponse(cmd *cobra.Command, resp *vendorbridge.Response, raw bool) error {
	out := cmd.OutOrStdout()
	if raw || resp.Data == nil {
		_, err := out.Write(resp.Body)
		return err
	}
	if s, ok := resp.Data.(string); ok {
		_, err := fmt.Fprintln(out, s)
		return err
	}
	pretty, err := json.MarshalIndent(resp.Data, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(pretty))
	return err
}
