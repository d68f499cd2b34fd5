package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
)

func cmdSecrets(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: 2kc secrets {list|add|remove}")
		return 1
	}
	switch args[0] {
	case "list":
		return secretsList(args[1:])
	case "add":
		return secretsAdd(args[1:])
	case "remove":
		return secretsRemove(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown secrets command %q\n", args[0])
		return 1
	}
}

func secretsList(args []string) int {
	fs := flag.NewFlagSet("secrets list", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fail(err)
	}
	facade, _, err := buildFacade(cfg, nil)
	if err != nil {
		return fail(err)
	}

	items, err := facade.ListSecrets(background())
	if err != nil {
		return fail(err)
	}
	if len(items) == 0 {
		fmt.Println("No secrets stored.")
		return 0
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UUID\tREF\tTAGS")
	for _, item := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\n", item.UUID, item.Ref, strings.Join(item.Tags, ","))
	}
	w.Flush()
	return 0
}

func secretsAdd(args []string) int {
	fs := flag.NewFlagSet("secrets add", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	ref := fs.String("ref", "", "secret slug (lowercase letters, digits, hyphens)")
	value := fs.String("value", "", "secret value")
	tags := fs.String("tags", "", "comma-separated tags")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *ref == "" || *value == "" {
		fmt.Fprintln(os.Stderr, "Usage: 2kc secrets add --ref <slug> --value <value> [--tags a,b]")
		return 1
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fail(err)
	}
	facade, _, err := buildFacade(cfg, nil)
	if err != nil {
		return fail(err)
	}

	var tagList []string
	if *tags != "" {
		for _, tag := range strings.Split(*tags, ",") {
			tagList = append(tagList, strings.TrimSpace(tag))
		}
	}
	uuid, err := facade.AddSecret(background(), *ref, *value, tagList)
	if err != nil {
		return fail(err)
	}
	fmt.Printf("Added secret %s (%s)\n", *ref, uuid)
	return 0
}

func secretsRemove(args []string) int {
	fs := flag.NewFlagSet("secrets remove", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: 2kc secrets remove <uuid>")
		return 1
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fail(err)
	}
	facade, _, err := buildFacade(cfg, nil)
	if err != nil {
		return fail(err)
	}

	if err := facade.RemoveSecret(background(), fs.Arg(0)); err != nil {
		return fail(err)
	}
	fmt.Printf("Removed secret %s\n", fs.Arg(0))
	return 0
}
