package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"Cryptobot-Chain/internal/identity"
	"Cryptobot-Chain/sdk/go/cryptobot"
)

const (
	envServer = "BOTCTL_SERVER"
	envCaller = "BOTCTL_CALLER"
	envKey    = "BOTCTL_KEY"
)

// app 持有命令树与共享的连接参数。
type app struct {
	root   *cobra.Command
	stdout io.Writer
	stderr io.Writer

	server string
	caller string
	key    string
}

func newApp() *app {
	a := &app{stdout: os.Stdout, stderr: os.Stderr}
	a.root = &cobra.Command{
		Use:           "botctl",
		Short:         "部署与操作 cryptobot 机器人",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := a.root.PersistentFlags()
	flags.StringVar(&a.server, "server", envOr(envServer, "http://127.0.0.1:8080"), "botd 服务地址")
	flags.StringVar(&a.caller, "caller", os.Getenv(envCaller), "调用者地址 (X-Bot-Caller)")
	flags.StringVar(&a.key, "key", os.Getenv(envKey), "十六进制私钥，设置后对请求签名并以其地址作为调用者")

	a.root.AddCommand(
		a.newScenarioCmd(),
		a.newDeployCmd(),
		a.newCallCmd(),
		a.newSubmitCmd(),
		a.newShowCmd(),
		a.newTxCmd(),
		a.newKeygenCmd(),
	)
	return a
}

// withOutput 替换输出，便于测试。
func (a *app) withOutput(stdout, stderr io.Writer) *app {
	a.stdout = stdout
	a.stderr = stderr
	a.root.SetOut(stdout)
	a.root.SetErr(stderr)
	return a
}

// Execute 运行命令并响应 SIGINT/SIGTERM。
func (a *app) Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return a.root.ExecuteContext(ctx)
}

func (a *app) executeArgs(ctx context.Context, args []string) error {
	a.root.SetArgs(args)
	return a.root.ExecuteContext(ctx)
}

// client 根据全局参数构造 SDK 客户端。
func (a *app) client() (*cryptobot.Client, error) {
	client, err := cryptobot.NewClient(strings.TrimRight(a.server, "/"), nil)
	if err != nil {
		return nil, err
	}
	if a.caller != "" {
		addr, err := identity.ParseAddress(a.caller)
		if err != nil {
			return nil, err
		}
		client.SetCaller(addr.Hex())
	}
	if a.key != "" {
		key, err := identity.ParseKey(a.key)
		if err != nil {
			return nil, err
		}
		client.SetSigningKey(key)
	}
	return client, nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
