package main

import (
	"bufio"
	"os"

	"github.com/spf13/cobra"
	"github.com/yanun0323/errors"

	"tradecore/pkg/uds"
)

func newSendCmd() *cobra.Command {
	var socket string

	cmd := &cobra.Command{
		Use:   "send [line...]",
		Short: "Send feed lines to a running live session",
		Example: `  trader send --socket /tmp/tradecore.sock '{"kind":"tick","symbol":"BTC","price":"100"}'
  cat feed.jsonl | trader send --socket /tmp/tradecore.sock`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := uds.NewClient(socket)
			if err != nil {
				return err
			}

			lines := make([][]byte, 0, len(args))
			for _, arg := range args {
				lines = append(lines, []byte(arg))
			}
			if len(lines) == 0 {
				sc := bufio.NewScanner(os.Stdin)
				sc.Buffer(make([]byte, 64*1024), 1<<20)
				for sc.Scan() {
					lines = append(lines, append([]byte(nil), sc.Bytes()...))
				}
				if err := sc.Err(); err != nil {
					return errors.Wrap(err, "read stdin")
				}
			}
			return client.Send(cmd.Context(), lines...)
		},
	}

	cmd.Flags().StringVar(&socket, "socket", "", "feed socket of the live session")
	_ = cmd.MarkFlagRequired("socket")
	return cmd
}
