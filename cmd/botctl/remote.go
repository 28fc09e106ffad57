package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"Cryptobot-Chain/sdk/go/cryptobot"
)

type callFlags struct {
	txID     string
	name     string
	delta    int64
	category string
}

func (f *callFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.txID, "tx-id", "", "交易 ID，用于幂等重放")
	cmd.Flags().StringVar(&f.name, "name", "", "rename 的新名称")
	cmd.Flags().Int64Var(&f.delta, "delta", 0, "move_x / move_y 的增量")
	cmd.Flags().StringVar(&f.category, "category", "", "fire 的目标类别 (simple | boss)")
}

func (f *callFlags) request(entry string) cryptobot.CallRequest {
	return cryptobot.CallRequest{
		TxID:     f.txID,
		Entry:    entry,
		Name:     f.name,
		Delta:    f.delta,
		Category: f.category,
	}
}

func (a *app) newDeployCmd() *cobra.Command {
	var req cryptobot.DeployRequest
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "部署一个新机器人",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			bot, err := client.Deploy(cmd.Context(), req)
			if err != nil {
				return err
			}
			return a.printJSON(bot)
		},
	}
	cmd.Flags().StringVar(&req.Owner, "owner", "", "机器人所有者，默认为调用者")
	cmd.Flags().BoolVar(&req.Alive, "alive", true, "初始存活状态")
	return cmd
}

func (a *app) newCallCmd() *cobra.Command {
	var flags callFlags
	cmd := &cobra.Command{
		Use:     "call <bot-id> <entry>",
		Short:   "同步调用机器人入口",
		Example: "  botctl call 3f2a... move_x --delta=-4 --caller 0xabc...",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			receipt, err := client.Call(cmd.Context(), args[0], flags.request(args[1]))
			if err != nil {
				var apiErr *cryptobot.APIError
				if errors.As(err, &apiErr) && apiErr.Receipt != nil {
					_ = a.printJSON(apiErr.Receipt)
				}
				return err
			}
			return a.printJSON(receipt)
		},
	}
	flags.bind(cmd)
	return cmd
}

func (a *app) newSubmitCmd() *cobra.Command {
	var flags callFlags
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "submit <bot-id> <entry>",
		Short: "提交异步交易",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			sub, err := client.Submit(cmd.Context(), args[0], flags.request(args[1]))
			if err != nil {
				return err
			}
			if wait <= 0 {
				return a.printJSON(sub)
			}
			ctx, cancel := contextWithTimeout(cmd, wait)
			defer cancel()
			txn, err := client.WaitTransaction(ctx, sub.TxID, 0)
			if err != nil {
				return err
			}
			return a.printJSON(txn)
		},
	}
	flags.bind(cmd)
	cmd.Flags().DurationVar(&wait, "wait", 0, "等待交易落账的最长时间，0 表示不等待")
	return cmd
}

func (a *app) newShowCmd() *cobra.Command {
	var calls int
	cmd := &cobra.Command{
		Use:   "show <bot-id>",
		Short: "查看机器人状态，可选附带最近的调用日志",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			bot, err := client.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if calls <= 0 {
				return a.printJSON(bot)
			}
			journal, err := client.Calls(cmd.Context(), args[0], calls)
			if err != nil {
				return err
			}
			return a.printJSON(struct {
				Bot   *cryptobot.Bot         `json:"bot"`
				Calls []cryptobot.CallRecord `json:"calls"`
			}{bot, journal})
		},
	}
	cmd.Flags().IntVar(&calls, "calls", 0, "附带的调用日志条数")
	return cmd
}

func (a *app) newTxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tx <tx-id>",
		Short: "查询异步交易状态",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			txn, err := client.Transaction(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printJSON(txn)
		},
	}
}

func contextWithTimeout(cmd *cobra.Command, d time.Duration) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, d)
}
