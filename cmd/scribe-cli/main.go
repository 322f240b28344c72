/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-scribe/internal/client"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/events"
	"github.com/loqalabs/loqa-scribe/internal/messaging"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/spf13/cobra"
)

const (
	defaultServerURL = "http://localhost:8080"
	defaultWSURL     = "ws://localhost:8080/ws"
	defaultNATSURL   = "nats://localhost:4222"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "scribe-cli",
	Short:        "Submit audio to loqa-scribe and inspect job history",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(
		submitCmd(),
		healthCmd(),
		jobsCmd(),
		watchCmd(),
	)
}

// signalContext is cancelled on Ctrl-C or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func submitCmd() *cobra.Command {
	var (
		url       string
		model     string
		saveAudio bool
		fileName  string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "submit <audio-file>",
		Short: "Transcribe an audio file and stream the result",
		Long: `Send an audio file over one websocket channel and print segments as they
arrive. Ctrl-C asks the server to stop the job and waits briefly for it to
confirm.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			selector, ok := protocol.ParseModelSelector(model)
			if !ok {
				return fmt.Errorf("unknown model %q (want general or tuned)", model)
			}

			ctx, stop := signalContext()
			defer stop()

			p, err := client.Dial(ctx, client.DefaultConfig(url))
			if err != nil {
				return err
			}
			defer p.Close()

			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			outcome, err := p.Submit(ctx, client.Request{
				AudioPath: args[0],
				Model:     selector,
				SaveAudio: saveAudio,
				FileName:  fileName,
			}, func(r protocol.Response) {
				if asJSON {
					_ = enc.Encode(frameJSON(r))
					return
				}
				fmt.Fprintln(out, renderFrame(r))
			})

			var serverErr *client.ServerError
			switch {
			case errors.As(err, &serverErr):
				return fmt.Errorf("transcription failed: %s", serverErr.Message)
			case err != nil:
				return fmt.Errorf("%s: %w", outcome, err)
			case outcome == client.OutcomeStopped:
				fmt.Fprintln(cmd.ErrOrStderr(), styleWarning.Render("job stopped"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", defaultWSURL, "websocket endpoint of the server")
	cmd.Flags().StringVarP(&model, "model", "m", string(protocol.ModelGeneral), "model selector: general or tuned")
	cmd.Flags().BoolVar(&saveAudio, "save-audio", false, "keep the audio on the server for model feedback")
	cmd.Flags().StringVar(&fileName, "file-name", "", "file name recorded with the job (defaults to the audio file's name)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw frames as JSON lines")
	return cmd
}

// frameJSON mirrors the wire frame for --json output
func frameJSON(r protocol.Response) json.RawMessage {
	data, err := protocol.EncodeResponse(r)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

func healthCmd() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the server is up",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := client.Probe(cmd.Context(), url)
			if err != nil {
				return fmt.Errorf("server unavailable: %w", err)
			}

			status := styleSuccess.Render(h.Status)
			if h.Status != "ok" {
				status = styleError.Render(h.Status)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s  backend=%s  sessions=%d\n",
				styleHeader.Render(h.Service), status, h.Backend, h.Sessions)
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", defaultServerURL, "HTTP base URL of the server")
	return cmd
}

func jobsCmd() *cobra.Command {
	var (
		url      string
		status   string
		page     int
		pageSize int
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "jobs [job-id]",
		Short: "List recent jobs or show one job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")

			if len(args) == 1 {
				job, err := client.GetJob(cmd.Context(), url, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return enc.Encode(job)
				}
				fmt.Fprintln(out, renderJob(job))
				if job.Transcription != "" {
					fmt.Fprintln(out, styleBox.Render(job.Transcription))
				}
				return nil
			}

			result, err := client.ListJobs(cmd.Context(), url, page, pageSize, status)
			if err != nil {
				return err
			}
			if asJSON {
				return enc.Encode(result)
			}
			for _, job := range result.Jobs {
				fmt.Fprintln(out, renderJob(job))
			}
			fmt.Fprintln(out, styleMuted.Render(fmt.Sprintf("page %d/%d, %d jobs",
				result.Page, result.TotalPages, result.Total)))
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", defaultServerURL, "HTTP base URL of the server")
	cmd.Flags().StringVar(&status, "status", "", "only jobs with this status")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "jobs per page")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func watchCmd() *cobra.Command {
	var (
		url    string
		prefix string
		status string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow job events published on NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" && !events.JobStatus(status).Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			ns := messaging.NewNATSService(config.NATSConfig{URL: url, SubjectPrefix: prefix})
			if err := ns.Connect(); err != nil {
				return err
			}
			defer ns.Close()

			out := cmd.OutOrStdout()
			sub, err := ns.SubscribeToJobEvents(events.JobStatus(status), func(job *events.JobEvent) {
				fmt.Fprintln(out, renderJob(job))
			})
			if err != nil {
				return err
			}
			defer sub.Unsubscribe()

			fmt.Fprintln(cmd.ErrOrStderr(), styleMuted.Render("watching "+messaging.JobSubject(prefix, events.JobStatus(status))))
			ctx, stop := signalContext()
			defer stop()
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "nats", defaultNATSURL, "NATS server URL")
	cmd.Flags().StringVar(&prefix, "subject-prefix", messaging.DefaultSubjectPrefix, "job event subject prefix")
	cmd.Flags().StringVar(&status, "status", "", "only events with this status")
	return cmd
}
