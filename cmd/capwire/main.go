package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/capwire/capwire/capability"
	"github.com/capwire/capwire/rpc"
	"github.com/capwire/capwire/transport"
)

func main() {
	var (
		listen      = flag.String("listen", "", "Serve the demo calculator on this address")
		connect     = flag.String("connect", "", "Address of a calculator server")
		interactive = flag.Bool("i", false, "Interactive mode with TUI")
		verbose     = flag.Bool("v", false, "Verbose logging to stderr")
	)
	flag.Parse()

	if *verbose {
		if log, err := zap.NewDevelopment(); err == nil {
			rpc.SetLogger(log.Named("rpc"))
			capability.SetLogger(log.Named("capability"))
		}
	}

	var err error
	switch {
	case *listen != "":
		err = serve(*listen)
	case *connect != "" && *interactive:
		err = runInteractive(*connect)
	case *connect != "":
		err = oneShot(*connect, flag.Args())
	default:
		fmt.Fprintln(os.Stderr, "Usage: capwire -listen <addr>")
		fmt.Fprintln(os.Stderr, "       capwire -connect <addr> add <a> <b>")
		fmt.Fprintln(os.Stderr, "       capwire -connect <addr> counter <n>")
		fmt.Fprintln(os.Stderr, "       capwire -connect <addr> -i  (interactive mode)")
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// serve accepts connections forever, each with its own bootstrap
// calculator.
func serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	fmt.Printf("Serving calculator on %s\n", ln.Addr())

	for {
		sock, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		conn := rpc.NewConn(transport.Stream(sock), &rpc.Options{
			Bootstrap: capability.NewLocalClient(&calcServer{}),
		})
		go func(remote string) {
			<-conn.Done()
			fmt.Printf("Connection from %s closed: %v\n", remote, conn.Err())
		}(sock.RemoteAddr().String())
	}
}

func dial(addr string) (*rpc.Conn, error) {
	sock, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return rpc.NewConn(transport.Stream(sock), nil), nil
}

// oneShot runs a single command against the server and prints the result.
func oneShot(addr string, args []string) error {
	conn, err := dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	calc := conn.Bootstrap(ctx)
	defer calc.Release()

	if len(args) == 0 {
		return fmt.Errorf("no command; want add or counter")
	}
	switch args[0] {
	case "add":
		if len(args) != 3 {
			return fmt.Errorf("usage: add <a> <b>")
		}
		a, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bad operand %q: %w", args[1], err)
		}
		b, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("bad operand %q: %w", args[2], err)
		}
		sum, err := callAdd(ctx, calc, a, b)
		if err != nil {
			return err
		}
		fmt.Printf("%d + %d = %d\n", a, b, sum)
		return nil

	case "counter":
		if len(args) != 2 {
			return fmt.Errorf("usage: counter <n>")
		}
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 {
			return fmt.Errorf("bad count %q", args[1])
		}
		v, err := runCounter(ctx, calc, n)
		if err != nil {
			return err
		}
		fmt.Printf("counter after %d increments: %d\n", n, v)
		return nil

	default:
		return fmt.Errorf("unknown command %q; want add or counter", args[0])
	}
}
