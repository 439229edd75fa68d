// Command testnet is the CLI front end for the testnet library: it spawns a
// synthetic multi-node network and, on each node, execs a user-supplied
// program with environment variables describing every peer's address.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/igankevich/testnet"
	"github.com/mattn/go-colorable"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

var version = "dev"

func main() {
	var nodeCount int

	root := &cobra.Command{
		Use:     "testnet -- <program> [args...]",
		Short:   "Run a program across a synthetic multi-node network",
		Version: version,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(nodeCount, args[0], args[1:])
		},
	}
	root.Flags().SetInterspersed(false)
	root.Flags().IntVar(&nodeCount, "nodes", 2, "number of nodes in the synthetic network")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(nodeCount int, program string, programArgs []string) error {
	log := newBannerLogger()
	defer log.Sync() //nolint:errcheck

	log.Info("starting synthetic network", zap.Int("nodes", nodeCount), zap.String("program", program))

	nodes := make([]testnet.NodeConfig, nodeCount)
	net, err := testnet.New(testnet.NetConfig{
		Nodes: nodes,
		Main: func(ctx *testnet.Context) error {
			return runOnNode(ctx, program, programArgs)
		},
	})
	if err != nil {
		return fmt.Errorf("start network: %w", err)
	}

	if err := net.Wait(); err != nil {
		log.Error("network finished with failures", zap.Error(err))
		return err
	}

	log.Info("network finished successfully")
	return nil
}

// peerInfo is the per-node record exchanged via Context.BroadcastAll so
// every node learns every other node's address before exec-ing the user
// program. It is CLI-internal wire data, distinct from the library's own
// node<->switch protocol, so a small JSON envelope is enough here.
type peerInfo struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	Ifname    string `json:"ifname"`
	IfAddr    string `json:"ifaddr"`
	IPAddr    string `json:"ipaddr"`
	PrefixLen int    `json:"prefix_len"`
}

func runOnNode(ctx *testnet.Context, program string, programArgs []string) error {
	ones, _ := ctx.CurrentNode().IfAddr.Mask.Size()
	self := peerInfo{
		Index:     ctx.CurrentNodeIndex(),
		Name:      ctx.CurrentNodeName(),
		Ifname:    ctx.CurrentNodeIfname(),
		IfAddr:    ctx.CurrentNode().IfAddr.String(),
		IPAddr:    ctx.CurrentNode().IfAddr.IP.String(),
		PrefixLen: ones,
	}

	ctx.Step("exchange peer environment")
	payload, err := json.Marshal(self)
	if err != nil {
		return fmt.Errorf("encode peer info: %w", err)
	}

	replies, err := ctx.BroadcastAll(payload)
	if err != nil {
		return fmt.Errorf("exchange peer info: %w", err)
	}

	env := os.Environ()
	for _, raw := range replies {
		var peer peerInfo
		if err := json.Unmarshal(raw, &peer); err != nil {
			return fmt.Errorf("decode peer info: %w", err)
		}

		env = append(env, peerEnv(peer)...)
		if peer.Index == self.Index {
			env = append(env, nodeEnv(peer)...)
		}
	}

	cmd := exec.Command(program, programArgs...)
	cmd.Env = env
	cmd.Stdin = nil
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", program, err)
	}

	return nil
}

func peerEnv(p peerInfo) []string {
	prefix := fmt.Sprintf("TESTNET_%d_", p.Index)
	return []string{
		prefix + "INDEX=" + fmt.Sprint(p.Index),
		prefix + "NAME=" + p.Name,
		prefix + "IFNAME=" + p.Ifname,
		prefix + "IFADDR=" + p.IfAddr,
		prefix + "IPADDR=" + p.IPAddr,
		prefix + "PREFIX_LEN=" + fmt.Sprint(p.PrefixLen),
	}
}

func nodeEnv(p peerInfo) []string {
	const prefix = "TESTNET_NODE_"
	return []string{
		prefix + "INDEX=" + fmt.Sprint(p.Index),
		prefix + "NAME=" + p.Name,
		prefix + "IFNAME=" + p.Ifname,
		prefix + "IFADDR=" + p.IfAddr,
		prefix + "IPADDR=" + p.IPAddr,
		prefix + "PREFIX_LEN=" + fmt.Sprint(p.PrefixLen),
	}
}

// newBannerLogger builds the CLI's own startup/shutdown logger, separate
// from the library's logrus instance, colourized only when stdout is a
// terminal.
func newBannerLogger() *zap.Logger {
	encoderCfg := zap.NewDevelopmentEncoderConfig()
	var writer zapcore.WriteSyncer = os.Stdout
	if term.IsTerminal(int(os.Stdout.Fd())) {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		writer = zapcore.AddSync(colorable.NewColorableStdout())
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), writer, zapcore.InfoLevel)
	return zap.New(core)
}
