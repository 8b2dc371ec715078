package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/jwalitptl/policy-engine/internal/compiler"
	"github.com/jwalitptl/policy-engine/internal/policy"
)

// policyctl validates policy definitions and dry-runs their
// compilation to native row-security statements. Both commands are
// pure: nothing here touches a live database.
func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		runValidate(os.Args[2:])
	case "compile":
		runCompile(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: policyctl <validate|compile> [-policies path] [-json]")
}

func loadRegistry(path string) (*policy.Registry, error) {
	file, err := policy.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return policy.NewRegistry(file, policy.NewHierarchy())
}

func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	path := fs.String("policies", "config/policies.yaml", "path to policy definitions")
	fs.Parse(args)

	registry, err := loadRegistry(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "validation failed: %v\n", err)
		os.Exit(1)
	}

	policies := registry.All()
	fmt.Printf("ok: %d policies across %d tables\n", len(policies), len(registry.Tables()))
	for _, table := range registry.Tables() {
		fmt.Printf("  %s (%s): allow-listed fields %v\n",
			table, registry.Sensitivity().TableLevel(table), registry.Allowlist(table))
	}
}

func runCompile(args []string) {
	fs := flag.NewFlagSet("compile", flag.ExitOnError)
	path := fs.String("policies", "config/policies.yaml", "path to policy definitions")
	asJSON := fs.Bool("json", false, "emit statements with metadata as JSON")
	fs.Parse(args)

	registry, err := loadRegistry(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load registry: %v\n", err)
		os.Exit(1)
	}

	statements, err := compiler.New().Compile(registry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "compile failed: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(statements); err != nil {
			fmt.Fprintf(os.Stderr, "failed to encode statements: %v\n", err)
			os.Exit(1)
		}
		return
	}

	for _, stmt := range statements {
		if stmt.Policy != "" {
			fmt.Printf("-- policy %s (%s %s, id %s)\n", stmt.Policy, stmt.Table, stmt.Operation, stmt.PolicyID)
		}
		fmt.Println(stmt.SQL)
	}
}
