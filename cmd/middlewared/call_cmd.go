package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/middlewared"
	"pkt.systems/middlewared/client"
)

type callOptions struct {
	url      string
	username string
	password string
	otp      string
	apiKey   string
	token    string
	job      bool
	timeout  time.Duration
	compact  bool
	upload   string
	download string
	artifact string
}

func newCallCommand() *cobra.Command {
	var opts callOptions
	cmd := &cobra.Command{
		Use:   "call <method> [json-param...]",
		Short: "Call an API method on a running middlewared",
		Long: `Call an API method and print the JSON result.

Each positional argument after the method is parsed as JSON; arguments that
are not valid JSON are sent as strings. Over the local socket the caller is
authenticated by uid, otherwise supply --username/--password, --api-key or
--token.`,
		Example: `
  # Over the local socket as root
  middlewared call system.version

  # Start a scrub job and wait for it
  middlewared call --job pool.scrub 1

  # Query over TCP with an API key
  middlewared call --url ws://nas.local:6000 --api-key 1-abc pool.query '[["name","=","tank"]]'

  # Import pools from a file through the side channel
  middlewared call --upload pools.jsonl pool.import
`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if opts.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.timeout)
				defer cancel()
			}
			params := parseCallParams(args[1:])
			cli, err := dialForCall(ctx, opts)
			if err != nil {
				return err
			}
			defer cli.Close()
			return runCall(ctx, cli, opts, args[0], params, cmd.OutOrStdout())
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.url, "url", "unix://"+middlewared.DefaultSocketPath, "endpoint (unix:///path, ws://host:port, wss://host:port)")
	flags.StringVarP(&opts.username, "username", "u", "", "username for auth.login")
	flags.StringVarP(&opts.password, "password", "p", "", "password for auth.login")
	flags.StringVar(&opts.otp, "otp", "", "one-time code for accounts with two-factor authentication")
	flags.StringVar(&opts.apiKey, "api-key", "", "API key for auth.login_with_api_key")
	flags.StringVar(&opts.token, "token", "", "token for auth.login_with_token")
	flags.BoolVar(&opts.job, "job", false, "treat the method as a job and wait for its result")
	flags.DurationVar(&opts.timeout, "timeout", 0, "overall deadline (0 waits indefinitely)")
	flags.BoolVar(&opts.compact, "compact", false, "print compact JSON")
	flags.StringVar(&opts.upload, "upload", "", "send this file as the job input through the side channel")
	flags.StringVar(&opts.download, "download", "", "write the job artifact to this file ('-' for stdout) once it finishes")
	flags.StringVar(&opts.artifact, "artifact", client.ArtifactOutput, "artifact fetched by --download (output or log)")
	return cmd
}

func parseCallParams(args []string) []any {
	params := make([]any, 0, len(args))
	for _, arg := range args {
		dec := json.NewDecoder(strings.NewReader(arg))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil || dec.More() {
			params = append(params, arg)
			continue
		}
		params = append(params, v)
	}
	return params
}

func dialForCall(ctx context.Context, opts callOptions) (*client.Client, error) {
	logger := pslog.NoopLogger()
	cli, err := client.New(ctx, opts.url, client.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	switch {
	case opts.apiKey != "":
		err = cli.LoginWithAPIKey(ctx, opts.apiKey)
	case opts.token != "":
		err = cli.LoginWithToken(ctx, opts.token)
	case opts.username != "":
		password := opts.password
		if password == "" {
			password = os.Getenv("MIDDLEWARED_PASSWORD")
		}
		err = cli.Login(ctx, opts.username, password, opts.otp)
	}
	if err != nil {
		cli.Close()
		return nil, err
	}
	return cli, nil
}

func runCall(ctx context.Context, cli *client.Client, opts callOptions, method string, params []any, out io.Writer) error {
	var (
		raw json.RawMessage
		err error
	)
	switch {
	case opts.upload != "":
		raw, err = uploadAndWait(ctx, cli, opts.upload, method, params)
	case opts.job || opts.download != "":
		raw, err = startAndWait(ctx, cli, opts, method, params)
	default:
		raw, err = cli.Call(ctx, method, params...)
	}
	if err != nil {
		return err
	}
	return writeResult(out, raw, opts.compact)
}

func uploadAndWait(ctx context.Context, cli *client.Client, path, method string, params []any) (json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	id, err := cli.Upload(ctx, method, params, f.Name(), f)
	if err != nil {
		return nil, err
	}
	return cli.WaitJob(ctx, id)
}

func startAndWait(ctx context.Context, cli *client.Client, opts callOptions, method string, params []any) (json.RawMessage, error) {
	id, err := cli.StartJob(ctx, method, params...)
	if err != nil {
		return nil, err
	}
	raw, err := cli.WaitJob(ctx, id)
	if err != nil || opts.download == "" {
		return raw, err
	}
	body, err := cli.Download(ctx, id, opts.artifact)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	var dst io.Writer = os.Stdout
	if opts.download != "-" {
		f, err := os.Create(opts.download)
		if err != nil {
			return nil, fmt.Errorf("create download: %w", err)
		}
		defer f.Close()
		dst = f
	}
	if _, err := io.Copy(dst, body); err != nil {
		return nil, fmt.Errorf("download job %d: %w", id, err)
	}
	return raw, nil
}

func writeResult(out io.Writer, raw json.RawMessage, compact bool) error {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	var buf bytes.Buffer
	if compact {
		if err := json.Compact(&buf, raw); err != nil {
			return err
		}
	} else if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := out.Write(buf.Bytes())
	return err
}
