package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"PairAgent-Chain/internal/config"
	"PairAgent-Chain/internal/mailbox"
	"PairAgent-Chain/internal/relay"
	"PairAgent-Chain/internal/web3/provider"
	"PairAgent-Chain/sdk/go/pairagent"
)

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Print the token balance of the source account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			source, err := cfg.SourceAddress()
			if err != nil {
				return err
			}
			chains, err := provider.NewRegistry(cmd.Context(), cfg.Web3)
			if err != nil {
				return err
			}
			defer chains.Close()
			ledger, err := chains.DefaultClient()
			if err != nil {
				return err
			}
			balance, err := ledger.BalanceOf(cmd.Context(), source)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Balance: %s\n", balance.String())
			return nil
		},
	}
}

type sendOptions struct {
	box     string
	msgType string
	content string
	sender  string
	apiURL  string
	token   string
}

func sendCmd() *cobra.Command {
	var opts sendOptions
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Enqueue one message into an agent mailbox",
		Long: "With the redis or rabbitmq driver the message is written straight into the shared mailbox.\n" +
			"With the memory driver it is posted to the running daemon's inbox endpoint.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if opts.box == "" {
				opts.box = cfg.Agents.First + "->" + cfg.Agents.Second
			}
			if cfg.Mailbox.Driver == "memory" {
				return sendViaAPI(cmd, cfg, opts)
			}

			factory, closeTransport, err := openTransport(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeTransport()

			mb, err := factory(opts.box)
			if err != nil {
				return err
			}
			defer mb.Close()

			msg := mailbox.NewMessage(opts.msgType, opts.content).From(opts.sender)
			if err := mb.Enqueue(cmd.Context(), msg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s into %s\n", msg.ID, mb.Name())
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.box, "mailbox", "", "mailbox name, e.g. agent-a->agent-b (default: first->second)")
	cmd.Flags().StringVar(&opts.msgType, "type", relay.MessageType, "message type")
	cmd.Flags().StringVar(&opts.content, "content", "", "message content")
	cmd.Flags().StringVar(&opts.sender, "sender", "operator", "sender recorded on the message")
	cmd.Flags().StringVar(&opts.apiURL, "api", "", "daemon base URL for the memory driver (default: derived from server.address)")
	cmd.Flags().StringVar(&opts.token, "token", os.Getenv("PAIRAGENT_API_TOKEN"), "bearer token for the daemon API")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func sendViaAPI(cmd *cobra.Command, cfg *config.Config, opts sendOptions) error {
	_, receiver, ok := strings.Cut(opts.box, "->")
	if !ok || receiver == "" {
		return fmt.Errorf("邮箱名称应形如 sender->receiver: %q", opts.box)
	}
	base := opts.apiURL
	if base == "" {
		base = apiBaseURL(cfg.Server.Address)
	}
	client, err := pairagent.NewClient(base, nil)
	if err != nil {
		return err
	}
	client.SetAccessToken(opts.token)

	msg, err := client.Enqueue(cmd.Context(), receiver, opts.msgType, opts.content, opts.sender)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s into %s via %s\n", msg.ID, opts.box, base)
	return nil
}

// apiBaseURL turns a listen address such as ":8080" into a dialable URL.
func apiBaseURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}
