package main

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mkuria/bankrecon/internal/api"
	"github.com/mkuria/bankrecon/internal/config"
	"github.com/mkuria/bankrecon/internal/events"
	"github.com/mkuria/bankrecon/internal/ledger"
	"github.com/mkuria/bankrecon/internal/service"
	"github.com/mkuria/bankrecon/internal/store"
)

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	st, err := store.NewStore(cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer st.Close()

	var publisher events.Publisher = events.Noop{}
	if cfg.NATSURL != "" {
		natsPub, err := events.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			log.Fatalf("Unable to connect to NATS: %v", err)
		}
		defer natsPub.Close()
		publisher = natsPub
	}

	// Initialize Layers
	arLedger := ledger.NewPostgresLedger(st.Db)
	ingestor := service.NewIngestor(st, publisher, cfg.DefaultCurrency, cfg.WebhookSecret)
	committer := service.NewCommitter(st, arLedger, publisher)
	batch := service.NewBatchProcessor(st, arLedger, publisher)
	handler := api.NewHandler(ingestor, committer, batch, st, arLedger, arLedger, arLedger, arLedger)

	// Router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	handler.Routes(apiV1)

	log.Printf("Server starting on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal(err)
	}
}
