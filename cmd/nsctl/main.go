// Command nsctl is a thin client for nsd's query/command endpoint (C7):
// one subcommand per spec.md §6 RPC method, each dialing the endpoint,
// sending a netstring-framed JSON-RPC request, and printing the
// netstring-framed JSON-RPC response. Grounded on
// clients/go/cmd/rubin-consensus-cli/main.go's "CLI that drives the
// engine and prints a JSON Response" shape, adapted to drive the engine
// over the wire (dial+request/response) instead of in-process, since this
// repo's engine lives behind nsd, not inside the CLI binary itself.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var addr string
	var timeout time.Duration

	root := &cobra.Command{
		Use:           "nsctl",
		Short:         "query and drive a running nsd instance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&addr, "addr", "127.0.0.1:8332", "nsd endpoint address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	call := func(method string) func(cmd *cobra.Command, a []string) error {
		return func(cmd *cobra.Command, a []string) error {
			return doCall(stdout, addr, timeout, method, stringParams(a))
		}
	}

	root.AddCommand(
		&cobra.Command{Use: "ping", Short: "check liveness", Args: cobra.NoArgs, RunE: call("ping")},
		&cobra.Command{Use: "getinfo", Short: "indexer/chain status", Args: cobra.NoArgs, RunE: call("getinfo")},
		&cobra.Command{Use: "lookup <name>", Short: "look up a name record", Args: cobra.ExactArgs(1), RunE: call("lookup")},
		&cobra.Command{Use: "name-price <name>", Short: "quote a name's registration price", Args: cobra.ExactArgs(1), RunE: call("name_price")},
		&cobra.Command{Use: "namespace-price <namespace>", Short: "quote a namespace's preorder price", Args: cobra.ExactArgs(1), RunE: call("namespace_price")},
		&cobra.Command{Use: "pending <txid>", Short: "check whether a txid is still pending", Args: cobra.ExactArgs(1), RunE: call("pending")},
		&cobra.Command{Use: "get-consensus-at <height>", Short: "look up a historical consensus hash", Args: cobra.ExactArgs(1), RunE: callUint("get_consensus_at", stdout, &addr, &timeout)},
		&cobra.Command{Use: "preorder <name> <privkey-hex>", Short: "preorder a name", Args: cobra.ExactArgs(2), RunE: call("preorder")},
		&cobra.Command{Use: "register <name> <privkey-hex>", Short: "register a preordered name", Args: cobra.ExactArgs(2), RunE: call("register")},
		&cobra.Command{Use: "renew <name> <privkey-hex>", Short: "renew an existing name", Args: cobra.ExactArgs(2), RunE: call("renew")},
		&cobra.Command{Use: "update <name> <data-hash-hex> <privkey-hex>", Short: "attach a data hash to a name", Args: cobra.ExactArgs(3), RunE: call("update")},
		&cobra.Command{Use: "transfer <name> <new-addr> <keep-data> <privkey-hex>", Short: "transfer a name to a new owner", Args: cobra.ExactArgs(4), RunE: callTransfer(stdout, &addr, &timeout)},
		&cobra.Command{Use: "revoke <name> <privkey-hex>", Short: "revoke a name", Args: cobra.ExactArgs(2), RunE: call("revoke")},
		&cobra.Command{Use: "namespace-preorder <namespace> <privkey-hex>", Short: "preorder a namespace", Args: cobra.ExactArgs(2), RunE: call("namespace_preorder")},
		&cobra.Command{Use: "namespace-reveal <namespace> <lifetime> <base-cost> <decay-bp> <privkey-hex>", Short: "reveal a preordered namespace", Args: cobra.ExactArgs(5), RunE: callNamespaceReveal(stdout, &addr, &timeout)},
		&cobra.Command{Use: "namespace-ready <namespace> <privkey-hex>", Short: "mark a revealed namespace ready", Args: cobra.ExactArgs(2), RunE: call("namespace_ready")},
	)

	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func stringParams(args []string) []interface{} {
	out := make([]interface{}, len(args))
	for i, a := range args {
		out[i] = a
	}
	return out
}

// callUint parses its single argument as a uint64 before sending it, for
// get_consensus_at(height).
func callUint(method string, stdout io.Writer, addr *string, timeout *time.Duration) func(cmd *cobra.Command, a []string) error {
	return func(cmd *cobra.Command, a []string) error {
		height, err := strconv.ParseUint(a[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid height %q: %w", a[0], err)
		}
		return doCall(stdout, *addr, *timeout, method, []interface{}{height})
	}
}

// callTransfer parses keep-data as a bool, matching transfer's
// (name, addr, keep_data, privkey) argument order.
func callTransfer(stdout io.Writer, addr *string, timeout *time.Duration) func(cmd *cobra.Command, a []string) error {
	return func(cmd *cobra.Command, a []string) error {
		keepData, err := strconv.ParseBool(a[2])
		if err != nil {
			return fmt.Errorf("invalid keep-data %q: %w", a[2], err)
		}
		return doCall(stdout, *addr, *timeout, "transfer", []interface{}{a[0], a[1], keepData, a[3]})
	}
}

// callNamespaceReveal parses lifetime/base-cost/decay-bp as integers,
// matching namespace_reveal(ns, lifetime, base_cost, decay, privkey).
func callNamespaceReveal(stdout io.Writer, addr *string, timeout *time.Duration) func(cmd *cobra.Command, a []string) error {
	return func(cmd *cobra.Command, a []string) error {
		lifetime, err := strconv.ParseUint(a[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid lifetime %q: %w", a[1], err)
		}
		baseCost, err := strconv.ParseUint(a[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid base-cost %q: %w", a[2], err)
		}
		decayBP, err := strconv.ParseUint(a[3], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid decay-bp %q: %w", a[3], err)
		}
		return doCall(stdout, *addr, *timeout, "namespace_reveal", []interface{}{a[0], lifetime, baseCost, decayBP, a[4]})
	}
}

func doCall(stdout io.Writer, addr string, timeout time.Duration, method string, params []interface{}) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	req, err := json.Marshal(map[string]interface{}{"method": method, "params": params})
	if err != nil {
		return err
	}
	if err := writeNetstring(conn, req); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}

	resp, err := readNetstring(bufio.NewReader(conn))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var pretty interface{}
	if err := json.Unmarshal(resp, &pretty); err != nil {
		fmt.Fprintln(stdout, string(resp))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, string(out))
	return nil
}

// writeNetstring/readNetstring mirror endpoint/netstring.go's framing
// (length:data,) on the client side of the same wire protocol.

func writeNetstring(w io.Writer, data []byte) error {
	if _, err := fmt.Fprintf(w, "%d:", len(data)); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write([]byte{','})
	return err
}

func readNetstring(r *bufio.Reader) ([]byte, error) {
	lenStr, err := r.ReadString(':')
	if err != nil {
		return nil, err
	}
	lenStr = lenStr[:len(lenStr)-1]
	n, err := strconv.Atoi(lenStr)
	if err != nil {
		return nil, fmt.Errorf("malformed netstring length %q: %w", lenStr, err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	trailer, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if trailer != ',' {
		return nil, fmt.Errorf("netstring missing trailing comma")
	}
	return buf, nil
}
