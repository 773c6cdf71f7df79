package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/observicia-go/internal/domain"
	"github.com/tjfontaine/observicia-go/internal/intercept"
	"github.com/tjfontaine/observicia-go/internal/observability"
	"github.com/tjfontaine/observicia-go/internal/provider"
)

type chatOptions struct {
	provider string
	model    string
	system   string
	user     string
	context  []string
	stream   bool
	generate bool
}

func newChatCmd(root *rootOptions) *cobra.Command {
	opts := &chatOptions{}

	cmd := &cobra.Command{
		Use:   "chat [flags] PROMPT",
		Short: "Send one prompt through the instrumented pipeline",
		Long: `Send one prompt to a configured provider. The call is traced, its
tokens are counted and every configured policy runs, exactly as it would
inside an instrumented service.

Example:
  observicia chat --provider main --stream "Summarize the release notes"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, root, opts, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringVarP(&opts.provider, "provider", "p", "", "Provider name from the providers list (default: first)")
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "Model (overrides the provider's model)")
	cmd.Flags().StringVar(&opts.system, "system", "", "System message prepended to the conversation")
	cmd.Flags().StringVar(&opts.user, "user", "", "User id stamped on spans")
	cmd.Flags().StringArrayVar(&opts.context, "context", nil, "Retrieved document for rag_context policies (repeatable)")
	cmd.Flags().BoolVarP(&opts.stream, "stream", "s", false, "Stream the response")
	cmd.Flags().BoolVar(&opts.generate, "generate", false, "Use text completion instead of chat")
	return cmd
}

func runChat(cmd *cobra.Command, root *rootOptions, opts *chatOptions, prompt string) error {
	cfg := root.loadConfig(cmd)
	pc, ok := cfg.Provider(opts.provider)
	if !ok {
		if opts.provider == "" {
			return errors.New("no providers configured")
		}
		return fmt.Errorf("provider %q not configured", opts.provider)
	}

	adapter, err := provider.NewRegistry().Create(pc)
	if err != nil {
		return err
	}

	octx := observability.New(cfg)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = octx.Shutdown(ctx)
	}()
	llm := intercept.New(octx).Wrap(adapter)

	ctx := cmd.Context()
	if opts.user != "" {
		ctx = octx.SetUserID(ctx, opts.user)
	}
	ctx, txn := octx.StartTransaction(ctx, map[string]any{"command": "chat"})

	req := &domain.Request{Model: opts.model, Context: opts.context}
	if opts.generate {
		req.Prompt = prompt
	} else {
		if opts.system != "" {
			req.Messages = append(req.Messages, domain.Message{Role: "system", Content: opts.system})
		}
		req.Messages = append(req.Messages, domain.Message{Role: "user", Content: prompt})
	}

	out := cmd.OutOrStdout()
	callErr := call(ctx, llm, req, opts, out)

	status := domain.TransactionCompleted
	if callErr != nil && !domain.IsPolicyViolation(callErr) {
		status = "error"
	}
	if _, err := octx.EndTransaction(ctx, txn, map[string]any{"status": status}); err != nil {
		return err
	}

	usage := octx.TokenTracker().Usage(llm.Name())
	fmt.Fprintf(cmd.ErrOrStderr(), "tokens: prompt=%d completion=%d total=%d\n",
		usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
	return callErr
}

func call(ctx context.Context, llm *intercept.Provider, req *domain.Request, opts *chatOptions, out io.Writer) error {
	if opts.stream {
		open := llm.ChatStream
		if opts.generate {
			open = llm.GenerateStream
		}
		stream, err := open(ctx, req)
		if err != nil {
			return err
		}
		for chunk, err := range intercept.Chunks(stream) {
			if err != nil {
				fmt.Fprintln(out)
				return err
			}
			fmt.Fprint(out, chunk.Text)
		}
		fmt.Fprintln(out)
		return nil
	}

	do := llm.Chat
	if opts.generate {
		do = llm.Generate
	}
	res, err := do(ctx, req)
	if err != nil {
		// A blocked completion is not shown.
		return err
	}
	fmt.Fprintln(out, res.Text)
	return nil
}
