package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// This function will Load the ENVIORNMENT VARIABLES from .env if GO_ENV variable is not set
func LoadENV() error {
	goEnv := os.Getenv("GO_ENV")

	if goEnv == "" || goEnv == "development" {
		err := godotenv.Load()
		if err != nil {
			return err
		}
	}

	return nil
}

type EnviornmentVariable struct {
	// All variables
	GO_ENV       string
	DB_USER_NAME string
	DB_PASSWORD  string
	DB_NAME      string
	DB_HOST      string
	DB_PORT      string
	DB_SSL_MODE  string
	PORT         int
	// JWT Configuration
	JWT_SECRET string
	JWT_ISSUER string
	// Redis Configuration
	REDIS_URL      string
	REDIS_PASSWORD string
	REDIS_DB       string
	// Stripe Configuration
	STRIPE_SECRET_KEY string
	// Payment pipeline tuning
	STUDENT_FEE_CENTS               int64 // flat platform fee charged on top of the lesson price
	INSTRUCTOR_PAYOUT_PCT           int   // instructor share of the lesson price, percent
	AUTH_RETRY_MAX_ATTEMPTS         int
	IMMEDIATE_AUTH_DEADLINE_MINUTES int
	// Receipt archive (S3-compatible Spaces)
	SPACES_ACCESS_KEY string
	SPACES_SECRET_KEY string
	SPACES_BUCKET     string
	SPACES_REGION     string
	SPACES_ENDPOINT   string
}

func Get() (*EnviornmentVariable, error) {

	port, err := strconv.Atoi(os.Getenv("PORT"))
	if err != nil {
		port = 8080
	}

	// Database defaults
	dbHost := os.Getenv("DB_HOST")
	if dbHost == "" {
		dbHost = "localhost"
	}

	dbPort := os.Getenv("DB_PORT")
	if dbPort == "" {
		dbPort = "5432"
	}

	envVariables := &EnviornmentVariable{
		GO_ENV:       os.Getenv("GO_ENV"),
		DB_USER_NAME: os.Getenv("DB_USER_NAME"),
		DB_PASSWORD:  os.Getenv("DB_PASSWORD"),
		DB_NAME:      os.Getenv("DB_NAME"),
		DB_HOST:      dbHost,
		DB_PORT:      dbPort,
		DB_SSL_MODE:  os.Getenv("DB_SSL_MODE"),
		PORT:         port,
		// JWT
		JWT_SECRET: os.Getenv("JWT_SECRET"),
		JWT_ISSUER: os.Getenv("JWT_ISSUER"),
		// Redis
		REDIS_URL:      os.Getenv("REDIS_URL"),
		REDIS_PASSWORD: os.Getenv("REDIS_PASSWORD"),
		REDIS_DB:       os.Getenv("REDIS_DB"),
		// Stripe
		STRIPE_SECRET_KEY: os.Getenv("STRIPE_SECRET_KEY"),
		// Payment pipeline
		STUDENT_FEE_CENTS:               envInt64("STUDENT_FEE_CENTS", 300),
		INSTRUCTOR_PAYOUT_PCT:           envInt("INSTRUCTOR_PAYOUT_PCT", 80),
		AUTH_RETRY_MAX_ATTEMPTS:         envInt("AUTH_RETRY_MAX_ATTEMPTS", 3),
		IMMEDIATE_AUTH_DEADLINE_MINUTES: envInt("IMMEDIATE_AUTH_DEADLINE_MINUTES", 30),
		// Spaces
		SPACES_ACCESS_KEY: os.Getenv("SPACES_ACCESS_KEY"),
		SPACES_SECRET_KEY: os.Getenv("SPACES_SECRET_KEY"),
		SPACES_BUCKET:     os.Getenv("SPACES_BUCKET"),
		SPACES_REGION:     os.Getenv("SPACES_REGION"),
		SPACES_ENDPOINT:   os.Getenv("SPACES_ENDPOINT"),
	}

	return envVariables, nil
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
