package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

func main() {
	started := time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<!doctype html><link rel=stylesheet href=/static/app.css><h1>demo-origin</h1><p>rendered %s</p>\n", time.Now().Format(time.RFC3339))
	})
	mux.HandleFunc("GET /offline", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintln(w, "<!doctype html><h1>You are offline</h1><p>Showing cached content where available.</p>")
	})
	mux.HandleFunc("GET /static/app.css", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		fmt.Fprintln(w, "body{font-family:sans-serif}")
	})
	mux.HandleFunc("GET /last-commit", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"sha":     "demo",
			"date":    started.Format(time.RFC3339),
			"message": "demo-origin started",
		})
	})

	log.Println("demo-origin listening on :9000")
	log.Fatal(http.ListenAndServe(":9000", mux))
}
