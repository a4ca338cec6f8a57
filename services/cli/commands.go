package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const defaultAPI = "http://localhost:8080"

type options struct {
	api    string
	output string
	out    io.Writer
	client *http.Client
}

// NewRootCommand builds the pcdeployctl command tree writing to out. hc
// may be nil.
func NewRootCommand(out io.Writer, hc *http.Client) *cobra.Command {
	opts := &options{out: out, client: hc}

	api := os.Getenv("PCDEPLOY_API")
	if api == "" {
		api = defaultAPI
	}

	cmd := &cobra.Command{
		Use:           "pcdeployctl",
		Short:         "Manage Clonezilla deployments",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.api, "api", api, "Base URL of the pcdeploy API (env PCDEPLOY_API)")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "yaml", "Output format: yaml or json")

	cmd.AddCommand(
		newCreateCommand(opts),
		newListCommand(opts),
		newActiveCommand(opts),
		newGetCommand(opts),
		newStatusCommand(opts),
		newStartCommand(opts),
		newStopCommand(opts),
		newProgressCommand(opts),
		newUpdateCommand(opts),
		newDeleteCommand(opts),
		newToolLogCommand(opts),
		newImagesCommand(opts),
		newHealthCommand(opts),
	)
	return cmd
}

func (o *options) call(cmd *cobra.Command, method, path string, body any) error {
	switch o.output {
	case "yaml", "json":
	default:
		return fmt.Errorf("unsupported output format %q (want yaml or json)", o.output)
	}

	client, err := NewClient(o.api, o.client)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	resp, err := client.Do(ctx, method, path, body)
	if err != nil {
		return err
	}
	return o.print(resp)
}

func (o *options) print(v any) error {
	if o.output == "json" {
		enc := json.NewEncoder(o.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(o.out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func newCreateCommand(opts *options) *cobra.Command {
	var (
		name      string
		image     string
		mode      string
		targets   []string
		createdBy string
		notes     string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pending deployment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if createdBy == "" {
				createdBy = os.Getenv("USER")
			}
			return opts.call(cmd, http.MethodPost, "/v1/deployments", map[string]any{
				"name":       name,
				"image_name": image,
				"mode":       mode,
				"target_ids": targets,
				"created_by": createdBy,
				"notes":      notes,
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Deployment name")
	cmd.Flags().StringVar(&image, "image", "", "Clonezilla image name")
	cmd.Flags().StringVar(&mode, "mode", "multicast", "Distribution mode: multicast or unicast")
	cmd.Flags().StringSliceVar(&targets, "targets", nil, "Comma-separated machine serials")
	cmd.Flags().StringVar(&createdBy, "created-by", "", "Operator recorded on the deployment (default $USER)")
	cmd.Flags().StringVar(&notes, "notes", "", "Free-form notes")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("image")
	_ = cmd.MarkFlagRequired("targets")
	return cmd
}

func newListCommand(opts *options) *cobra.Command {
	var (
		statuses []string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployments, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if len(statuses) > 0 {
				q.Set("status", strings.Join(statuses, ","))
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/v1/deployments"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			return opts.call(cmd, http.MethodGet, path, nil)
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only list deployments in these statuses")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of deployments")
	return cmd
}

func newActiveCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "List deployments that have not finished",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, http.MethodGet, "/v1/deployments/active", nil)
		},
	}
}

func newGetCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show a deployment with its machines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, http.MethodGet, deploymentPath(args[0]), nil)
		},
	}
}

func newStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status ID",
		Short: "Show deployment progress and the imaging tool's live status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, http.MethodGet, deploymentPath(args[0], "status"), nil)
		},
	}
}

func newStartCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "start ID",
		Short: "Start a pending deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, http.MethodPost, deploymentPath(args[0], "start"), nil)
		},
	}
}

func newStopCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stop ID",
		Short: "Stop a running deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, http.MethodPost, deploymentPath(args[0], "stop"), nil)
		},
	}
}

func newProgressCommand(opts *options) *cobra.Command {
	var (
		machine  string
		status   string
		progress int
		errMsg   string
	)

	cmd := &cobra.Command{
		Use:   "progress ID",
		Short: "Report progress for one machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"machine_id": machine,
				"status":     status,
				"progress":   progress,
			}
			if errMsg != "" {
				body["error"] = errMsg
			}
			return opts.call(cmd, http.MethodPut, deploymentPath(args[0], "progress"), body)
		},
	}

	cmd.Flags().StringVar(&machine, "machine", "", "Machine serial")
	cmd.Flags().StringVar(&status, "status", "imaging", "Machine status: pending, imaging, completed or failed")
	cmd.Flags().IntVar(&progress, "progress", 0, "Machine progress percentage")
	cmd.Flags().StringVar(&errMsg, "error", "", "Failure detail")
	_ = cmd.MarkFlagRequired("machine")
	return cmd
}

func newUpdateCommand(opts *options) *cobra.Command {
	var name, notes string

	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Change a deployment's name or notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if cmd.Flags().Changed("name") {
				body["name"] = name
			}
			if cmd.Flags().Changed("notes") {
				body["notes"] = notes
			}
			if len(body) == 0 {
				return fmt.Errorf("nothing to update: pass --name or --notes")
			}
			return opts.call(cmd, http.MethodPut, deploymentPath(args[0]), body)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "New name")
	cmd.Flags().StringVar(&notes, "notes", "", "New notes")
	return cmd
}

func newDeleteCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a deployment that is not running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, http.MethodDelete, deploymentPath(args[0]), nil)
		},
	}
}

func newToolLogCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "tool-log ID",
		Short: "Print a download link for the archived imaging tool output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, http.MethodGet, deploymentPath(args[0], "tool-log"), nil)
		},
	}
}

func newImagesCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "images",
		Short: "List Clonezilla images available for deployment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, http.MethodGet, "/v1/images", nil)
		},
	}
}

func newHealthCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show the imaging server's DRBL installation and image store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, http.MethodGet, "/v1/imaging/health", nil)
		},
	}
}
