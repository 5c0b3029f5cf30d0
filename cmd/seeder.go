package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"
)

var clearData bool

type planSeed struct {
	Code            string
	Name            string
	DurationMinutes int
	PriceKES        int64
	RouterProfile   string
	MaxDevices      int
}

// The hotspot catalogue: daily, weekly and monthly tiers per device count.
var planSeeds = []planSeed{
	{"daily_1", "Daily - 1 User (24 Hours)", 1440, 50, "1user_daily", 1},
	{"daily_2", "Daily - 2 Users (24 Hours)", 1440, 80, "2users_daily", 2},
	{"daily_5", "Daily - 5 Users (24 Hours)", 1440, 150, "5users_daily", 5},

	{"weekly_1", "Weekly - 1 User (7 Days)", 10080, 100, "1user_weekly", 1},
	{"weekly_2", "Weekly - 2 Users (7 Days)", 10080, 160, "2users_weekly", 2},
	{"weekly_5", "Weekly - 5 Users (7 Days)", 10080, 300, "5users_weekly", 5},

	{"monthly_1", "Monthly - 1 User (30 Days)", 43200, 300, "1user_monthly", 1},
	{"monthly_2", "Monthly - 2 Users (30 Days)", 43200, 480, "2users_monthly", 2},
	{"monthly_5", "Monthly - 5 Users (30 Days)", 43200, 900, "5users_monthly", 5},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the plan catalogue",
	Long:  `Insert the purchasable plans. Existing codes are left untouched unless --clear is given.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(".")
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}

		db, err := initDB(cfg.Database)
		if err != nil {
			log.Fatalf("failed to init db: %v", err)
		}
		defer db.Close()

		if clearData {
			if _, err := db.Exec("DELETE FROM plans"); err != nil {
				log.Fatalf("failed to clear plans: %v", err)
			}
			fmt.Println("cleared existing plans")
		}

		for _, p := range planSeeds {
			var exists int
			err := db.Get(&exists, "SELECT 1 FROM plans WHERE code = $1", p.Code)
			if err == nil {
				continue
			}

			_, err = db.Exec(
				`INSERT INTO plans (code, name, duration_minutes, price_kes, router_profile, max_devices, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, now())`,
				p.Code, p.Name, p.DurationMinutes, p.PriceKES, p.RouterProfile, p.MaxDevices)
			if err != nil {
				log.Fatalf("failed to insert plan %s: %v", p.Code, err)
			}
			fmt.Println("seeded plan:", p.Code)
		}

		fmt.Println("plan catalogue seeded")
	},
}

func init() {
	seedCmd.Flags().BoolVar(&clearData, "clear", false, "Clear existing plans before seeding")
}
