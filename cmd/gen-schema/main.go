// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

// Command gen-schema generates the JSON Schema files the flatfile backend
// validates against.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/permbase/permbase/internal/storage/flatfile"
)

func main() {
	targets := []struct {
		name     string
		generate func() ([]byte, error)
	}{
		{"rank.schema.json", flatfile.GenerateRankSchema},
		{"principal.schema.json", flatfile.GeneratePrincipalSchema},
	}

	if err := os.MkdirAll("schemas", 0o750); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating directory: %v\n", err)
		os.Exit(1)
	}

	for _, t := range targets {
		schema, err := t.generate()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error generating %s: %v\n", t.name, err)
			os.Exit(1)
		}

		outPath := filepath.Join("schemas", t.name)
		if err := os.WriteFile(outPath, schema, 0o600); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", outPath, err)
			os.Exit(1)
		}

		fmt.Printf("Generated %s\n", outPath)
	}
}
