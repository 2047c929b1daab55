package server_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"time"

	"havoc/internal/report"
	"havoc/internal/server"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

var _ = Describe("gRPC health", func() {
	var (
		lis    *bufconn.Listener
		srv    *grpc.Server
		conn   *grpc.ClientConn
		client healthpb.HealthClient
		health *server.Health
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		lis = bufconn.Listen(bufSize)
		srv = grpc.NewServer()

		health = server.NewHealth()
		health.Register(srv)

		go func() {
			if err := srv.Serve(lis); err != nil {
				_ = err
			}
		}()

		var err error
		conn, err = grpc.NewClient("passthrough://bufnet", grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}), grpc.WithTransportCredentials(insecure.NewCredentials()))
		Expect(err).NotTo(HaveOccurred())

		client = healthpb.NewHealthClient(conn)
	})

	AfterEach(func() {
		cancel()
		conn.Close()
		srv.Stop()
		lis.Close()
	})

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
		Expect(err).NotTo(HaveOccurred())
		return resp.GetStatus()
	}

	It("should report NOT_SERVING before the first cycle", func() {
		Expect(check()).To(Equal(healthpb.HealthCheckResponse_NOT_SERVING))
	})

	It("should report SERVING after a successful cycle", func() {
		Expect(health.Publish(ctx, report.Report{Outcome: report.OutcomeSuccess})).To(Succeed())
		Expect(check()).To(Equal(healthpb.HealthCheckResponse_SERVING))
	})

	It("should report NOT_SERVING after a failed cycle", func() {
		Expect(health.Publish(ctx, report.Report{Outcome: report.OutcomeSuccess})).To(Succeed())
		Expect(health.Publish(ctx, report.Report{Outcome: report.OutcomeFailure})).To(Succeed())
		Expect(check()).To(Equal(healthpb.HealthCheckResponse_NOT_SERVING))
	})

	It("should reject unknown services", func() {
		_, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: "haproxy"})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Metrics endpoint", func() {
	It("should serve the handler under /metrics only", func() {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "havoc_cycles_total 1\n")
		})
		ts := httptest.NewServer(server.MetricsMux(handler))
		defer ts.Close()

		resp, err := http.Get(ts.URL + "/metrics")
		Expect(err).NotTo(HaveOccurred())
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		Expect(string(body)).To(ContainSubstring("havoc_cycles_total"))

		resp, err = http.Get(ts.URL + "/other")
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})
})

var _ = Describe("Server", func() {
	It("should serve health and metrics until the context ends", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "ok")
		})
		s := server.NewServer("127.0.0.1:0", "127.0.0.1:0", server.NewHealth(), handler)
		Expect(s.Start(ctx)).To(Succeed())

		cancel()
		Eventually(func() bool { return ctx.Err() != nil }, time.Second).Should(BeTrue())
	})

	It("should fail when an address cannot be bound", func() {
		s := server.NewServer("256.0.0.1:0", "", server.NewHealth(), nil)
		Expect(s.Start(context.Background())).NotTo(Succeed())
	})
})
