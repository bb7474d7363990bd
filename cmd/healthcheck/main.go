package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	grpcapi "realtime-transcription-service/internal/api/grpc"
)

func main() {
	addr := flag.String("addr", "localhost:50051", "gRPC health server address")
	service := flag.String("service", grpcapi.ServiceName, "Service name to check; empty checks the server")
	timeout := flag.Duration("timeout", 3*time.Second, "Check timeout")
	flag.Parse()

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: *service})
	if err != nil {
		log.Printf("health check failed: %v", err)
		os.Exit(1)
	}
	log.Printf("service=%q status=%s", *service, resp.GetStatus())
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		os.Exit(1)
	}
}
