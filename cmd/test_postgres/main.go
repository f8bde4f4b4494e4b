package main

import (
	"fmt"
	"log"

	"github.com/VigilSec/go-api/vigil/postgres"
)

func main() {
	log.Println("Starting app PostgreSQL connection test...")

	// Get database connection using our application's database code
	if err := postgres.Connect(); err != nil {
		log.Fatalf("❌ Failed to establish database connection: %v", err)
	}
	db := postgres.GetDB()
	if db == nil {
		log.Fatalf("❌ Failed to establish database connection")
	}

	// Try to execute a simple query
	var result int
	if err := db.Raw("SELECT 1").Scan(&result).Error; err != nil {
		log.Fatalf("❌ Failed to execute query: %v", err)
	}

	// Make sure migration left the core tables in place
	var tables []string
	err := db.Raw("SELECT tablename FROM pg_tables WHERE schemaname = 'public'").Scan(&tables).Error
	if err != nil {
		log.Fatalf("❌ Failed to list tables: %v", err)
	}
	for _, required := range []string{"items", "item_revisions", "item_audits", "accounts"} {
		found := false
		for _, table := range tables {
			if table == required {
				found = true
				break
			}
		}
		if !found {
			log.Fatalf("❌ Required table %q missing after migration", required)
		}
	}

	// Success!
	fmt.Println("✅ App PostgreSQL connection test successful!")
	fmt.Println("✅ Database is properly connected and migrated")
}
