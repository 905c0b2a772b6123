package db

import (
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tradeledger/conf"
)

var (
	DB   *gorm.DB
	once sync.Once
)

type Config struct {
	User      string
	Password  string
	Host      string
	Port      string
	DBName    string
	Charset   string // optional
	Loc       string // optional
	ParseTime bool   // optional
}

// NewConfig 台账时间全部按 UTC 存取
func NewConfig(db conf.Db) Config {
	return Config{
		User:      db.Username,
		Password:  db.Password,
		Host:      db.Host,
		Port:      db.Port,
		DBName:    db.DbName,
		Charset:   "utf8mb4",
		Loc:       "UTC",
		ParseTime: true,
	}
}

func (cfg Config) DSN() string {
	charset := cfg.Charset
	if charset == "" {
		charset = "utf8mb4"
	}
	loc := cfg.Loc
	if loc == "" {
		loc = "UTC"
	}
	addr := cfg.Host
	if cfg.Port != "" {
		addr = cfg.Host + ":" + cfg.Port
	}
	return fmt.Sprintf(
		"%s:%s@tcp(%s)/%s?charset=%s&parseTime=%t&loc=%s",
		cfg.User, cfg.Password, addr, cfg.DBName, charset, cfg.ParseTime, loc,
	)
}

// Init 打开连接池，只执行一次
func Init(cfg Config) (*gorm.DB, error) {
	var err error
	once.Do(func() {
		DB, err = gorm.Open(mysql.Open(cfg.DSN()), &gorm.Config{
			Logger:  logger.Default.LogMode(logger.Warn),
			NowFunc: func() time.Time { return time.Now().UTC() },
		})
		if err != nil {
			err = fmt.Errorf("failed to connect to database: %w", err)
			return
		}

		sqlDB, derr := DB.DB()
		if derr != nil {
			err = derr
			return
		}
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetConnMaxLifetime(time.Hour)
	})
	return DB, err
}

func Close() error {
	if DB == nil {
		return nil
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
