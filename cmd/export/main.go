package main

import (
	"context"
	"flag"
	"log"

	"meter-collector/internal/output"
	"meter-collector/pkg/meterdb"
)

func main() {
	var dbPath, outJSON, outCSV string
	var limit int
	var markSynced bool
	flag.StringVar(&dbPath, "db", "./collector.db", "path to the collector database")
	flag.StringVar(&outJSON, "json", "", "path to write JSON export (optional)")
	flag.StringVar(&outCSV, "csv", "", "path to write CSV export (optional)")
	flag.IntVar(&limit, "limit", 0, "maximum readings to export (0 = all)")
	flag.BoolVar(&markSynced, "mark-synced", false, "mark exported readings as synced")
	flag.Parse()

	if outJSON == "" && outCSV == "" {
		log.Fatalf("no output specified: set --json and/or --csv")
	}

	client, err := meterdb.Open(dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	readings, err := client.UnsyncedReadings(ctx, limit)
	if err != nil {
		log.Fatalf("query readings: %v", err)
	}
	rows := output.FromReadings(readings)

	if outJSON != "" {
		if err := output.WriteJSON(outJSON, rows); err != nil {
			log.Fatalf("write json error: %v", err)
		}
	}
	if outCSV != "" {
		if err := output.WriteCSV(outCSV, rows); err != nil {
			log.Fatalf("write csv error: %v", err)
		}
	}
	log.Printf("exported %d readings", len(rows))

	if markSynced && len(readings) > 0 {
		ids := make([]uint64, 0, len(readings))
		for _, r := range readings {
			ids = append(ids, r.ID)
		}
		n, err := client.MarkSynced(ctx, ids)
		if err != nil {
			log.Fatalf("mark synced: %v", err)
		}
		log.Printf("marked %d readings synced", n)
	}
}
