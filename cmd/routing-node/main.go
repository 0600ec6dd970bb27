package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/frustreated/MaidSafe-Routing/internal/netx"
	"github.com/frustreated/MaidSafe-Routing/internal/nodeid"
	"github.com/frustreated/MaidSafe-Routing/internal/params"
	"github.com/frustreated/MaidSafe-Routing/internal/paths"
	"github.com/frustreated/MaidSafe-Routing/internal/routing"
	"github.com/frustreated/MaidSafe-Routing/internal/table"
)

func main() {
	bind := flag.String("bind", ":0", "bind address (e.g. :0 for random port)")
	bootstrapStr := flag.String("bootstrap", "", "comma-separated bootstrap addresses host:port")
	transportKind := flag.String("transport", "tcp", "transport: tcp or quic")
	dataDir := flag.String("data", "", "data directory (identity, bootstrap cache)")
	client := flag.Bool("client", false, "join as a client (no relaying)")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	var bootstraps []netx.Addr
	if *bootstrapStr != "" {
		for _, part := range strings.Split(*bootstrapStr, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				bootstraps = append(bootstraps, netx.Addr(part))
			}
		}
	}

	dir := *dataDir
	if dir == "" {
		dir = paths.DefaultDataDir()
	}
	dir, err := paths.EnsureDir(dir)
	if err != nil {
		log.Fatalf("data dir: %v", err)
	}

	pub, priv, err := loadOrCreateIdentity(filepath.Join(dir, "identity.json"))
	if err != nil {
		log.Fatalf("identity: %v", err)
	}

	var network netx.Network
	switch *transportKind {
	case "tcp":
		network = netx.NewTCPNetwork()
	case "quic":
		network = netx.NewQUICNetwork()
	default:
		log.Fatalf("unknown transport %q", *transportKind)
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)

	node, err := routing.New(routing.Config{
		PrivateKey:    priv,
		PublicKey:     pub,
		Client:        *client,
		Params:        params.Default(),
		Network:       network,
		LocalEndpoint: netx.Addr(*bind),
		BootstrapPath: filepath.Join(dir, "bootstrap.db"),
		Logger:        logger,
		Debug:         *debug,
	})
	if err != nil {
		log.Fatalf("create node: %v", err)
	}

	functors := routing.Functors{
		MessageReceived: func(payload []byte, _ bool, reply routing.ReplyFunc) {
			fmt.Printf("\n<< %s\n> ", string(payload))
			if reply != nil {
				reply([]byte("seen by " + shortID(node.KNodeID().Hex())))
			}
		},
		NetworkStatus: func(percent int) {
			if *debug {
				fmt.Printf("\n[network %d%%]\n> ", percent)
			}
		},
		CloseNodeReplaced: func(closest []table.NodeInfo) {
			if *debug {
				ids := make([]string, 0, len(closest))
				for _, n := range closest {
					ids = append(ids, shortID(n.ID.Hex()))
				}
				fmt.Printf("\n[close set: %s]\n> ", strings.Join(ids, " "))
			}
		},
	}

	if err := node.Join(functors, bootstraps...); err != nil {
		log.Fatalf("join: %v", err)
	}

	fmt.Printf("Node joined.\n")
	fmt.Printf("ID:     %s\n\n", node.KNodeID().Hex())
	fmt.Println("Commands:")
	fmt.Println("	/send <id-hex> <message>	- direct send with response")
	fmt.Println("	/group <id-hex> <message>	- group send")
	fmt.Println("	/who <id-hex>			- group-range check for an id")
	fmt.Println("	/status				- table health")
	fmt.Println("	/closest			- current close set")
	fmt.Println("	/quit				- exit")
	fmt.Println()

	// Stop cleanly on SIGINT/SIGTERM so the bootstrap cache is rewritten.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down...")
		node.Stop()
		os.Exit(0)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}
		switch {

		case line == "/quit":
			fmt.Println("quitting...")
			node.Stop()
			return

		case line == "/status":
			fmt.Printf("network %d%%, close set %d\n", node.NetworkStatus(), len(node.ClosestNodes()))

		case line == "/closest":
			for _, n := range node.ClosestNodes() {
				fmt.Printf("  %s  %s  %s\n", shortID(n.ID.Hex()), n.Endpoints.Best(), n.State)
			}

		case strings.HasPrefix(line, "/who "):
			arg := strings.TrimSpace(strings.TrimPrefix(line, "/who"))
			id, err := nodeid.Parse(arg)
			if err != nil {
				fmt.Printf("bad id: %v\n", err)
				break
			}
			fmt.Printf("%s -> %s\n", shortID(arg), node.IsInGroupRange(id))

		case strings.HasPrefix(line, "/send "), strings.HasPrefix(line, "/group "):
			group := strings.HasPrefix(line, "/group ")
			verb := "/send"
			if group {
				verb = "/group"
			}
			rest := strings.TrimSpace(strings.TrimPrefix(line, verb))
			idHex, text, ok := strings.Cut(rest, " ")
			if !ok {
				fmt.Printf("usage: %s <id-hex> <message>\n", verb)
				break
			}
			dest, err := nodeid.Parse(idHex)
			if err != nil {
				fmt.Printf("bad id: %v\n", err)
				break
			}
			onResponse := func(payload []byte, err error) {
				if err != nil {
					fmt.Printf("\n[response: %v]\n> ", err)
					return
				}
				fmt.Printf("\n[response: %s]\n> ", string(payload))
			}
			if group {
				err = node.SendGroup(dest, []byte(text), false, onResponse)
			} else {
				err = node.SendDirect(dest, []byte(text), false, onResponse)
			}
			if err != nil {
				fmt.Printf("send failed: %v\n", err)
			}

		default:
			fmt.Println("unknown command")
		}
		fmt.Print("> ")
	}

	node.Stop()
}
