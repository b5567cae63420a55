package main

import (
	"fmt"
	"os"
	"strconv"

	"xiangqi/server/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("xiangqi server %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "leaderboard":
		return cliLeaderboard(args[1:], dbPath)
	case "backup":
		return cliBackup(args[1:], dbPath)
	default:
		return false
	}
}

func openCLIStore(dbPath string) *store.Store {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliStatus(dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	users, err := st.UserCount()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	matches, err := st.MatchCount()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Users: %d\n", users)
	fmt.Printf("Archived matches: %d\n", matches)
	fmt.Printf("Version: %s\n", Version)
	return true
}

func cliLeaderboard(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	limit := 10
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			fmt.Fprintf(os.Stderr, "Usage: server leaderboard [count]\n")
			os.Exit(1)
		}
		limit = n
	}

	users, err := st.Leaderboard(limit, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(users) == 0 {
		fmt.Println("No players yet.")
		return true
	}
	for i, u := range users {
		fmt.Printf("%3d. %-24s %4d  (%dW/%dL/%dD)\n", i+1, u.Username, u.Rating, u.Wins, u.Losses, u.Draws)
	}
	return true
}

func cliBackup(args []string, dbPath string) bool {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: server backup <destination>\n")
		os.Exit(1)
	}

	st := openCLIStore(dbPath)
	defer st.Close()

	if err := st.Backup(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "error backing up database: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Backed up %s to %s\n", dbPath, args[0])
	return true
}
