package cache

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// cacheEntryRow is the `cache_entries` table described in §4.6/§6,
// indexed on expires_at, last_accessed, source and health_status for the
// sweeper's and the statistics view's lookups.
type cacheEntryRow struct {
	Key                 string `gorm:"primaryKey"`
	URL                 string
	SealedCredentials   string
	TagsCSV             string
	Country             string
	Region              string
	CostPerRequest      float64
	Source              string `gorm:"index"`
	HealthStatus        string `gorm:"index"`
	ConsecutiveFailures int64
	FetchedAt           time.Time
	LastAccessedAt      time.Time `gorm:"index"`
	AccessCount         int64
	ExpiresAt           time.Time `gorm:"index"`
}

func (cacheEntryRow) TableName() string { return "cache_entries" }

// l3Tier is the embedded SQL tier, a pure-Go (cgo-free) SQLite database
// reached through gorm, matching the schema named in §6.
type l3Tier struct {
	db     *gorm.DB
	sealer *Sealer
}

func openL3Tier(dsn string, sealer *Sealer) (*l3Tier, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("cache: open L3 sqlite store: %w", err)
	}
	if err := db.AutoMigrate(&cacheEntryRow{}); err != nil {
		return nil, fmt.Errorf("cache: migrate L3 schema: %w", err)
	}
	return &l3Tier{db: db, sealer: sealer}, nil
}

func rowFromEntry(e *Entry, sealer *Sealer) (cacheEntryRow, error) {
	row := cacheEntryRow{
		Key: e.Key, URL: e.URL, TagsCSV: joinTags(e.Tags), Country: e.Country, Region: e.Region,
		CostPerRequest: e.CostPerRequest, Source: e.Source, HealthStatus: e.HealthStatus,
		ConsecutiveFailures: e.ConsecutiveFailures, FetchedAt: e.FetchedAt,
		LastAccessedAt: e.LastAccessedAt, AccessCount: e.AccessCount, ExpiresAt: e.ExpiresAt,
	}
	if sealer != nil && (e.Username != "" || e.Password != "") {
		sealed, err := sealer.Seal([]byte(e.Username + "\x00" + e.Password))
		if err != nil {
			return row, err
		}
		row.SealedCredentials = base64.StdEncoding.EncodeToString(sealed)
	}
	return row, nil
}

func entryFromRow(row cacheEntryRow, sealer *Sealer) (*Entry, error) {
	e := &Entry{
		Key: row.Key, URL: row.URL, Tags: splitTags(row.TagsCSV), Country: row.Country, Region: row.Region,
		CostPerRequest: row.CostPerRequest, Source: row.Source, HealthStatus: row.HealthStatus,
		ConsecutiveFailures: row.ConsecutiveFailures, FetchedAt: row.FetchedAt,
		LastAccessedAt: row.LastAccessedAt, AccessCount: row.AccessCount, ExpiresAt: row.ExpiresAt,
	}
	if sealer != nil && row.SealedCredentials != "" {
		raw, err := base64.StdEncoding.DecodeString(row.SealedCredentials)
		if err != nil {
			return nil, fmt.Errorf("cache: decode L3 sealed credentials: %w", err)
		}
		plaintext, err := sealer.Open(raw)
		if err != nil {
			return nil, err
		}
		for i, b := range plaintext {
			if b == 0 {
				e.Username, e.Password = string(plaintext[:i]), string(plaintext[i+1:])
				break
			}
		}
	}
	return e, nil
}

func joinTags(tags []string) string {
	out := ""
	for i, t := range tags {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}

func splitTags(csv string) []string {
	if csv == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i == len(csv) || csv[i] == ',' {
			out = append(out, csv[start:i])
			start = i + 1
		}
	}
	return out
}

func (t *l3Tier) get(key string) (*Entry, bool) {
	var row cacheEntryRow
	if err := t.db.First(&row, "key = ?", key).Error; err != nil {
		return nil, false
	}
	e, err := entryFromRow(row, t.sealer)
	if err != nil {
		return nil, false
	}
	return e, true
}

func (t *l3Tier) put(e *Entry) error {
	row, err := rowFromEntry(e, t.sealer)
	if err != nil {
		return err
	}
	return t.db.Save(&row).Error
}

func (t *l3Tier) remove(key string) error {
	return t.db.Delete(&cacheEntryRow{}, "key = ?", key).Error
}

func (t *l3Tier) clear() error {
	return t.db.Exec("DELETE FROM cache_entries").Error
}

func (t *l3Tier) len() int {
	var count int64
	t.db.Model(&cacheEntryRow{}).Count(&count)
	return int(count)
}

func (t *l3Tier) deleteExpired(now time.Time) (int64, error) {
	res := t.db.Where("expires_at <> ? AND expires_at < ?", time.Time{}, now).Delete(&cacheEntryRow{})
	return res.RowsAffected, res.Error
}

func (t *l3Tier) close() error {
	sqlDB, err := t.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
