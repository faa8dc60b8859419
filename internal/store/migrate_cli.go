package store

import (
	"fmt"
	"io/fs"
	"log"
	"os"
)

// RunMigrateCommand implements the `harrier migrate <action>` subcommand.
func RunMigrateCommand(args []string, dbPath string) {
	if len(args) < 1 {
		PrintMigrateHelp()
		os.Exit(1)
	}
	action := args[0]

	migFS, err := getMigrationsFS()
	if err != nil {
		log.Fatalf("failed to get migrations filesystem: %v", err)
	}

	s, err := Open(dbPath)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer s.Close()

	switch action {
	case "up":
		handleMigrateUp(s, migFS)
	case "down":
		handleMigrateDown(s, migFS)
	case "status":
		handleMigrateStatus(s, migFS)
	case "version":
		if len(args) < 2 {
			log.Fatal("usage: harrier migrate version <version_number>")
		}
		handleMigrateVersion(s, migFS, args[1])
	case "force":
		if len(args) < 2 {
			log.Fatal("usage: harrier migrate force <version_number>")
		}
		handleMigrateForce(s, migFS, args[1])
	case "baseline":
		if len(args) < 2 {
			log.Fatal("usage: harrier migrate baseline <version_number>")
		}
		handleMigrateBaseline(s, args[1])
	case "help":
		PrintMigrateHelp()
	default:
		fmt.Printf("unknown migrate action: %s\n\n", action)
		PrintMigrateHelp()
		os.Exit(1)
	}
}

func handleMigrateUp(s *Store, migFS fs.FS) {
	log.Printf("running migrations...")
	if err := s.MigrateUp(migFS); err != nil {
		log.Fatalf("migration up failed: %v", err)
	}
	version, dirty, _ := s.MigrateVersion(migFS)
	log.Printf("current version: %d (dirty: %v)", version, dirty)
}

func handleMigrateDown(s *Store, migFS fs.FS) {
	log.Printf("rolling back one migration...")
	if err := s.MigrateDown(migFS); err != nil {
		log.Fatalf("migration down failed: %v", err)
	}
	version, dirty, _ := s.MigrateVersion(migFS)
	log.Printf("current version: %d (dirty: %v)", version, dirty)
}

func handleMigrateStatus(s *Store, migFS fs.FS) {
	version, dirty, err := s.MigrateVersion(migFS)
	if err != nil {
		log.Fatalf("failed to get migration status: %v", err)
	}
	status, err := s.GetMigrationStatus(migFS)
	if err != nil {
		log.Fatalf("failed to get migration status: %v", err)
	}

	fmt.Println("=== Migration Status ===")
	fmt.Printf("Current version: %d\n", version)
	fmt.Printf("Dirty: %v\n", dirty)
	fmt.Printf("Schema migrations table exists: %v\n", status["schema_migrations_exists"])
	if dirty {
		fmt.Println("\nWARNING: database is in a dirty state; a migration failed mid-execution.")
		fmt.Println("Inspect the database manually, then run: harrier migrate force <version>")
	}
}

func handleMigrateVersion(s *Store, migFS fs.FS, versionStr string) {
	var target uint
	if _, err := fmt.Sscanf(versionStr, "%d", &target); err != nil {
		log.Fatalf("invalid version number: %s", versionStr)
	}
	log.Printf("migrating to version %d...", target)
	if err := s.MigrateTo(migFS, target); err != nil {
		log.Fatalf("migration to version %d failed: %v", target, err)
	}
	log.Printf("migrated to version %d", target)
}

func handleMigrateForce(s *Store, migFS fs.FS, versionStr string) {
	var force int
	if _, err := fmt.Sscanf(versionStr, "%d", &force); err != nil {
		log.Fatalf("invalid version number: %s", versionStr)
	}
	fmt.Printf("WARNING: forcing migration version to %d. Continue? [y/N]: ", force)
	var response string
	fmt.Scanln(&response)
	if response != "y" && response != "Y" {
		log.Println("aborted")
		os.Exit(0)
	}
	if err := s.MigrateForce(migFS, force); err != nil {
		log.Fatalf("force migration failed: %v", err)
	}
	log.Printf("migration version forced to %d", force)
}

func handleMigrateBaseline(s *Store, versionStr string) {
	var baseline uint
	if _, err := fmt.Sscanf(versionStr, "%d", &baseline); err != nil {
		log.Fatalf("invalid version number: %s", versionStr)
	}
	log.Printf("baselining database at version %d...", baseline)
	if err := s.BaselineAtVersion(baseline); err != nil {
		log.Fatalf("baseline failed: %v", err)
	}
	log.Printf("database baselined at version %d", baseline)
}

// PrintMigrateHelp prints the `harrier migrate` usage summary.
func PrintMigrateHelp() {
	fmt.Println("Database Migration Commands")
	fmt.Println()
	fmt.Println("Usage: harrier migrate <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  up              Apply all pending migrations")
	fmt.Println("  down            Rollback one migration")
	fmt.Println("  status          Show current migration status and version")
	fmt.Println("  version <N>     Migrate to specific version N")
	fmt.Println("  force <N>       Force migration version to N (recovery only)")
	fmt.Println("  baseline <N>    Set migration version to N without running migrations")
	fmt.Println("  help            Show this help message")
	fmt.Println()
	fmt.Println("Legacy v1/v2 databases are baselined and migrated forward automatically")
	fmt.Println("the first time the receiver opens them; this subcommand is for")
	fmt.Println("operator-driven recovery only.")
}
