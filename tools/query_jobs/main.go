// query_jobs prints the scan job audit trail and optionally prunes it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"scanbridge/storage"
)

func main() {
	dbPath := flag.String("db", "", "Path to the scanbridge SQLite DB file")
	limit := flag.Int("limit", 50, "Max jobs to print (0 = all)")
	kind := flag.String("kind", "", "Only print failed jobs of this error kind (e.g. Timeout)")
	failed := flag.Bool("failed", false, "Only print failed jobs")
	pruneDays := flag.Int("prune-days", 0, "Delete jobs older than N days before printing")
	flag.Parse()

	if *dbPath == "" {
		log.Fatalf("Usage: query_jobs -db <path> [-limit N] [-failed] [-kind <kind>] [-prune-days N]")
	}

	store, err := storage.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open db: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if *pruneDays > 0 {
		n, err := store.Prune(ctx, time.Now().AddDate(0, 0, -*pruneDays))
		if err != nil {
			log.Fatalf("prune failed: %v", err)
		}
		fmt.Printf("Pruned %d job(s) older than %d day(s)\n", n, *pruneDays)
	}

	jobs, err := store.Recent(ctx, *limit)
	if err != nil {
		log.Fatalf("query failed: %v", err)
	}

	var shown int
	for _, j := range jobs {
		if (*failed || *kind != "") && j.Outcome != storage.OutcomeError {
			continue
		}
		if *kind != "" && j.ErrorKind != *kind {
			continue
		}
		shown++
		fmt.Printf("%s | %s | %-7s | %6dms | %-7s | requested=%s resolved=%s",
			j.StartedAt.Local().Format(time.RFC3339), j.ID, j.Backend, j.DurationMS, j.Outcome, j.RequestedID, j.ResolvedID)
		if j.Outcome == storage.OutcomeError {
			fmt.Printf(" | %s: %s", j.ErrorKind, j.ErrorDetail)
		} else {
			fmt.Printf(" | %d bytes", j.PayloadBytes)
		}
		fmt.Println()
	}
	fmt.Printf("%d job(s)\n", shown)
}
