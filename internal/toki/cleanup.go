package toki

import (
	"flag"
	"fmt"
	"os"
)

func handleCleanCommand(args []string, store *StateStore) error {
	cleanCmd := flag.NewFlagSet("clean", flag.ExitOnError)
	cleanSources := cleanCmd.Bool("sources", false, "Remove all cached source files.")
	cleanArtifacts := cleanCmd.Bool("artifacts", false, "Remove all cached build artifacts.")
	cleanToolchains := cleanCmd.Bool("toolchains", false, "Remove all installed toolchains.")
	cleanAll := cleanCmd.Bool("all", false, "sources, artifacts and toolchains.")
	autoYes := cleanCmd.Bool("y", false, "Assume yes to all prompts.")

	if err := cleanCmd.Parse(args); err != nil {
		return err // Should not happen with flag.ExitOnError
	}

	// If no flags are provided, show help and exit
	if !*cleanSources && !*cleanArtifacts && !*cleanToolchains && !*cleanAll {
		fmt.Println("Usage: toki clean [flag]")
		fmt.Println("You must specify what to clean. Use one of the following flags:")
		cleanCmd.PrintDefaults()
		return nil
	}

	if *cleanAll {
		*cleanSources = true
		*cleanArtifacts = true
		*cleanToolchains = true
	}

	confirm := func(format string, a ...any) bool {
		if *autoYes {
			return true
		}
		colArrow.Print("-> ")
		cPrintf(colWarn, format, a...)
		return askForConfirmation(colArrow, "Are you sure you want to proceed?")
	}

	if *cleanArtifacts {
		if confirm("Deleting artifact cache at %s.\n", ArtifactDir) {
			// PurgeAll drains in-flight cache writers before removing
			// anything, so a concurrent build never sees a torn index.
			if err := store.PurgeAll(); err != nil {
				return fmt.Errorf("failed to purge artifact index: %w", err)
			}
			if err := os.RemoveAll(ArtifactDir); err != nil {
				return fmt.Errorf("failed to remove artifact cache: %w", err)
			}
			colArrow.Print("-> ")
			colSuccess.Println("Artifact cache removed successfully.")
		} else {
			colArrow.Print("-> ")
			colSuccess.Println("Cleanup of artifact cache canceled.")
		}
	}

	if *cleanSources {
		if confirm("Deleting sources cache at %s.\n", SourcesDir) {
			debugf("Removing source cache directory: %s\n", SourcesDir)
			if err := os.RemoveAll(SourcesDir); err != nil {
				return fmt.Errorf("failed to remove source cache: %w", err)
			}
			colArrow.Print("-> ")
			colSuccess.Println("Source cache removed successfully.")
		} else {
			colArrow.Print("-> ")
			colSuccess.Println("Cleanup of source cache canceled.")
		}
	}

	if *cleanToolchains {
		if confirm("Deleting installed toolchains at %s.\n", ToolchainDir) {
			if err := os.RemoveAll(ToolchainDir); err != nil {
				return fmt.Errorf("failed to remove toolchains: %w", err)
			}
			colArrow.Print("-> ")
			colSuccess.Println("Toolchains removed successfully.")
		} else {
			colArrow.Print("-> ")
			colSuccess.Println("Cleanup of toolchains canceled.")
		}
	}

	return nil
}
