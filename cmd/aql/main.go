// Copyright 2025 The go-aql Authors
// This file is part of go-aql.
//
// go-aql is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-aql is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-aql. If not, see <http://www.gnu.org/licenses/>.

// Command aql runs assembled AQL programs and hosts a small REPL. It is a
// thin shell over the aql.Engine facade.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/fatih/color"
	isatty "github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/peterh/liner"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/aql-lang/go-aql/aql"
	"github.com/aql-lang/go-aql/lang/vm"
)

var (
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	noJITFlag = cli.BoolFlag{
		Name:  "nojit",
		Usage: "disable the JIT compiler",
	}
	statsFlag = cli.BoolFlag{
		Name:  "stats",
		Usage: "print runtime statistics after execution",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "aql"
	app.Usage = "the AQL runtime"
	app.Version = vm.Version
	app.Flags = []cli.Flag{configFlag, noJITFlag, statsFlag}
	app.Commands = []cli.Command{
		{
			Name:      "run",
			Usage:     "assemble and run a program",
			ArgsUsage: "<file.aqs> [int args...]",
			Flags:     []cli.Flag{configFlag, noJITFlag, statsFlag},
			Action:    runCmd,
		},
		{
			Name:   "repl",
			Usage:  "interactive session",
			Flags:  []cli.Flag{configFlag, noJITFlag},
			Action: replCmd,
		},
	}
	app.Action = func(ctx *cli.Context) error {
		if ctx.NArg() == 0 {
			return replCmd(ctx)
		}
		return runCmd(ctx)
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func makeEngine(ctx *cli.Context) (*aql.Engine, error) {
	cfg := aql.DefaultConfig()
	if path := ctx.String("config"); path != "" {
		var err error
		if cfg, err = aql.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if ctx.Bool("nojit") {
		cfg.JIT.Enabled = false
	}
	return aql.New(cfg), nil
}

func runCmd(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return cli.NewExitError("usage: aql run <file.aqs> [int args...]", 1)
	}
	src, err := os.ReadFile(ctx.Args().First())
	if err != nil {
		return err
	}
	var args []int64
	for _, s := range ctx.Args().Tail() {
		n, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return fmt.Errorf("argument %q is not an integer", s)
		}
		args = append(args, n)
	}

	engine, err := makeEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	results, err := engine.Run(mustAssemble(engine, ctx.Args().First(), string(src)), args...)
	if err != nil {
		return err
	}
	l := engine.State()
	for i := range results {
		fmt.Println(l.ToDisplayString(&results[i]))
	}
	if ctx.Bool("stats") {
		printStats(engine)
	}
	return nil
}

func mustAssemble(engine *aql.Engine, name, src string) *vm.Proto {
	p, err := engine.Assemble(name, src)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	return p
}

// ---- REPL ------------------------------------------------------------------

func replCmd(ctx *cli.Context) error {
	engine, err := makeEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	useColor := isatty.IsTerminal(os.Stdout.Fd())
	prompt := "aql> "
	contPrompt := "...> "
	banner := vm.Version + " (REPL; :help for commands)"
	if useColor {
		color.Cyan(banner)
	} else {
		fmt.Println(banner)
	}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	var buf []string
	var lastResults []vm.TValue
	for {
		p := prompt
		if len(buf) > 0 {
			p = contPrompt
		}
		input, err := line.Prompt(p)
		if err != nil {
			fmt.Println()
			return nil
		}
		trimmed := strings.TrimSpace(input)
		switch {
		case trimmed == ":quit" || trimmed == ":q":
			return nil
		case trimmed == ":help":
			fmt.Println("  :run     execute the buffered program")
			fmt.Println("  :list    show the buffer")
			fmt.Println("  :clear   drop the buffer")
			fmt.Println("  :dump    spew the last results")
			fmt.Println("  :stats   runtime statistics")
			fmt.Println("  :quit    leave")
		case trimmed == ":clear":
			buf = buf[:0]
		case trimmed == ":list":
			for _, l := range buf {
				fmt.Println(l)
			}
		case trimmed == ":dump":
			spew.Dump(lastResults)
		case trimmed == ":stats":
			printStats(engine)
		case trimmed == ":run":
			src := strings.Join(buf, "\n")
			if !strings.Contains(src, ".fn") {
				src = ".fn repl 16 0\n" + src + "\n.end"
			}
			line.AppendHistory(":run")
			results, err := engine.RunSource("repl", src)
			if err != nil {
				if useColor {
					color.Red("%v", err)
				} else {
					fmt.Println(err)
				}
				continue
			}
			lastResults = results
			l := engine.State()
			for i := range results {
				fmt.Println(l.ToDisplayString(&results[i]))
			}
		default:
			if trimmed != "" {
				buf = append(buf, input)
				line.AppendHistory(input)
			}
		}
	}
}

func printStats(engine *aql.Engine) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Statistic", "Value"})
	mon := engine.Perf()
	rows := [][]string{
		{"memory allocs", fmt.Sprint(mon.MemoryAllocs)},
		{"gc cycles", fmt.Sprint(mon.GCCycles)},
		{"gc steps", fmt.Sprint(mon.GCSteps)},
		{"errors", fmt.Sprint(mon.ErrorCount)},
		{"type stability", fmt.Sprintf("%d%%", mon.TypeStability)},
	}
	if j := engine.JIT(); j != nil {
		s := j.Stats()
		rows = append(rows,
			[]string{"jit compiles", fmt.Sprint(s.Compilations)},
			[]string{"jit executions", fmt.Sprint(s.Executions)},
			[]string{"jit deopts", fmt.Sprint(s.Deopts)},
			[]string{"cache hits", fmt.Sprint(s.CacheHits)},
			[]string{"cache misses", fmt.Sprint(s.CacheMisses)},
			[]string{"code bytes", fmt.Sprint(s.CodeBytes)},
			[]string{"avg compile", s.AvgCompileTime().String()},
		)
	}
	for _, r := range rows {
		table.Append(r)
	}
	table.Render()
}
