package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"matchchat/internal/auth"
	"matchchat/internal/client"
	"matchchat/internal/domain"
	"matchchat/internal/offline"

	"github.com/spf13/cobra"
)

var (
	initServer string
	initToken  string
	initSecret string

	historyPage  int
	historyLimit int
	historyJSON  bool

	queueJSON bool
)

func init() {
	initCmd.Flags().StringVar(&initServer, "server", "", "server base url")
	initCmd.Flags().StringVar(&initToken, "token", "", "bearer token")
	initCmd.Flags().StringVar(&initSecret, "secret", "", "sign a development token with this JWT secret instead of --token")

	historyCmd.Flags().IntVar(&historyPage, "page", 1, "page, 1 is the newest")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "messages per page")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print JSON")

	queueCmd.Flags().BoolVar(&queueJSON, "json", false, "print JSON")

	rootCmd.AddCommand(initCmd, sendCmd, drainCmd, queueCmd, retryCmd, cancelCmd, historyCmd, listenCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <user-id>",
	Short: "Store the server address and credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.UserID = args[0]
		if initServer != "" {
			cfg.Server = initServer
		}
		switch {
		case initToken != "":
			cfg.Token = initToken
		case initSecret != "":
			token, err := auth.NewTokenValidator(initSecret, 30*24*time.Hour).GenerateToken(cfg.UserID)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			cfg.Token = token
		}
		if cfg.Token == "" {
			return fmt.Errorf("either --token or --secret is required")
		}
		if err := cfg.Save(path); err != nil {
			return err
		}
		fmt.Printf("Signed in as %s against %s\n", cfg.UserID, cfg.Server)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <user-id> <message...>",
	Short: "Queue a message and try to deliver it",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		ctx := cmd.Context()
		item, err := env.queue.Enqueue(ctx, domain.Message{ReceiverID: args[0], Content: strings.Join(args[1:], " ")})
		if err != nil {
			return err
		}
		res, err := env.queue.Drain(ctx)
		if err != nil {
			return err
		}
		printDrain(res)
		if !env.queue.IsOnline() {
			fmt.Printf("Server unreachable, %s stays queued\n", item.ClientID)
		}
		return nil
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Deliver everything still queued",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		ctx := cmd.Context()
		if n, err := env.queue.Recover(ctx); err != nil {
			return err
		} else if n > 0 {
			fmt.Printf("Recovered %d interrupted items\n", n)
		}
		res, err := env.queue.Drain(ctx)
		if err != nil {
			return err
		}
		printDrain(res)
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List queued messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		items, err := env.queue.Items(cmd.Context())
		if err != nil {
			return err
		}
		if queueJSON {
			return printJSON(items)
		}
		if len(items) == 0 {
			fmt.Println("Queue is empty")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CLIENT ID\tTO\tSTATE\tATTEMPTS\tLAST ERROR")
		for _, it := range items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", it.ClientID, it.ReceiverID, it.State, it.AttemptCount, it.LastError)
		}
		return w.Flush()
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <client-id>",
	Short: "Put a failed message back in the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.queue.Retry(cmd.Context(), args[0]); err != nil {
			return err
		}
		res, err := env.queue.Drain(cmd.Context())
		if err != nil {
			return err
		}
		printDrain(res)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <client-id>",
	Short: "Drop a queued message that has not been sent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.queue.Cancel(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Cancelled %s\n", args[0])
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <user-id>",
	Short: "Show the conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		msgs, err := env.rest.History(cmd.Context(), args[0], historyPage, historyLimit)
		if err != nil {
			return err
		}
		if historyJSON {
			return printJSON(msgs)
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Stay connected and print incoming events",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt := client.NewRealtimeClient(env.cfg.Server, env.cfg.Token, env.logger)
		session := client.NewSession(env.cfg.UserID, env.rest, rt, env.queue, client.NewTimeline(), env.logger)
		rt.On("*", func(f client.Frame) {
			switch f.Type {
			case domain.EventPong, domain.EventWelcome:
				return
			case domain.EventMessageReceived:
				var p domain.MessageReceivedPayload
				if json.Unmarshal(f.Data, &p) == nil {
					fmt.Printf("[%s] %s: %s\n", p.Timestamp.Local().Format(time.Kitchen), p.SenderID, p.Content)
					return
				}
			}
			if !f.Success && f.Error != "" {
				fmt.Printf("%s: %s\n", f.Type, f.Error)
				return
			}
			fmt.Printf("%s %s\n", f.Type, f.Data)
		})

		res, err := session.Connect(ctx)
		if err != nil {
			return err
		}
		defer session.Close()
		printDrain(res)
		fmt.Printf("Listening as %s, Ctrl+C to stop\n", env.cfg.UserID)

		select {
		case <-ctx.Done():
		case <-rt.Done():
			return fmt.Errorf("connection closed: %w", domain.ErrOffline)
		}
		return nil
	},
}

func printDrain(res offline.DrainResult) {
	if len(res.Succeeded) == 0 && len(res.Failed) == 0 {
		return
	}
	fmt.Printf("Delivered %d, failed %d\n", len(res.Succeeded), len(res.Failed))
	for _, it := range res.Failed {
		fmt.Printf("  %s: %s\n", it.ClientID, it.LastError)
	}
}

func printMessage(m domain.Message) {
	status := string(m.Status)
	if m.EditedAt != nil {
		status += ", edited"
	}
	fmt.Printf("%s  %-12s %s  (%s #%s)\n",
		m.CreatedAt.Local().Format("2006-01-02 15:04"), m.SenderID, m.Content, status, strconv.FormatInt(m.ID, 10))
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
