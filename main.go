package main

import (
	"log"
	"net/http"

	"docsy/config/broker"
	"docsy/config/database"
	"docsy/pkg/logger"
	"docsy/router"
	"docsy/socket"

	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables from OS")
	}
	logger.Init()
	defer logger.Log.Sync()

	db := database.Connect()
	defer db.Close()

	rdb := broker.Connect()
	defer rdb.Close()

	hub := socket.NewHub(rdb)
	defer hub.Close()
	go hub.Run()

	handler := router.Setup(db, rdb, hub)

	logger.Sugar.Info("Backend listening on :8080")
	if err := http.ListenAndServe(":8080", handler); err != nil {
		logger.Sugar.Fatalf("Server stopped: %v", err)
	}
}
