package reconcile_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"havoc/internal/deploy"
	"havoc/internal/logging"
	"havoc/internal/pool"
	"havoc/internal/provider"
	"havoc/internal/reconcile"
	"havoc/internal/report"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const countTemplate = `{{ range $name, $list := .instances }}{{ $name }}: {{ len $list }}
{{ end }}`

const backendTemplate = `{{ range $name, $list := .instances }}backend {{ $name }}
{{ range $list }}    server {{ .Name }} {{ .Address }}:80 check
{{ end }}{{ end }}`

type stubAdapter struct {
	tag       provider.ProviderTag
	instances map[string][]provider.Instance
	err       error
	panics    bool
}

func (s *stubAdapter) Provider() provider.ProviderTag {
	return s.tag
}

func (s *stubAdapter) ListInstances(ctx context.Context, pool string, filters provider.Filters) ([]provider.Instance, error) {
	if s.panics {
		panic("adapter exploded")
	}
	if s.err != nil {
		return nil, &provider.DiscoveryError{Provider: s.tag, Pool: pool, Err: s.err}
	}
	return s.instances[pool], nil
}

type fakeReloader struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeReloader) Reload(ctx context.Context, service string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeReloader) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingSink struct {
	mu      sync.Mutex
	reports []report.Report
}

func (r *recordingSink) Publish(ctx context.Context, rep report.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
	return nil
}

func (r *recordingSink) Last() report.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reports[len(r.reports)-1]
}

// unreachableKV blocks like an etcd client without a ready connection
type unreachableKV struct{}

func (unreachableKV) Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (unreachableKV) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func awsInstance(id, name, address string) provider.Instance {
	return provider.NewInstance(provider.ProviderAWS, "web", id, name, address, nil)
}

func osInstance(id, name, address string) provider.Instance {
	return provider.NewInstance(provider.ProviderOpenStack, "web", id, name, address, nil)
}

func writeFile(path, content string) {
	Expect(os.WriteFile(path, []byte(content), 0644)).To(Succeed())
}

func readFile(path string) string {
	data, err := os.ReadFile(path)
	Expect(err).NotTo(HaveOccurred())
	return string(data)
}

var _ = Describe("Reconciler", func() {
	var (
		ctx          context.Context
		dir          string
		templatePath string
		targetPath   string
		aws          *stubAdapter
		nova         *stubAdapter
		reloader     *fakeReloader
		sink         *recordingSink
		opts         reconcile.Options
	)

	newReconciler := func() *reconcile.Reconciler {
		resolver := pool.NewResolver([]provider.Adapter{aws, nova}, provider.Filters{}, time.Second)
		applier := deploy.NewApplier(targetPath, "haproxy", reloader)
		return reconcile.New(opts, resolver, applier, sink)
	}

	BeforeEach(func() {
		ctx = context.Background()
		dir = GinkgoT().TempDir()
		templatePath = filepath.Join(dir, "haproxy.cfg.tmpl")
		targetPath = filepath.Join(dir, "haproxy.cfg")

		aws = &stubAdapter{tag: provider.ProviderAWS, instances: map[string][]provider.Instance{
			"web": {
				awsInstance("i-3", "web-3_aws", "10.0.0.3"),
				awsInstance("i-1", "web-1_aws", "10.0.0.1"),
				awsInstance("i-2", "web-2_aws", "10.0.0.2"),
			},
		}}
		nova = &stubAdapter{tag: provider.ProviderOpenStack, instances: map[string][]provider.Instance{
			"web": {osInstance("s-1", "web-1_os", "192.168.0.1")},
		}}
		reloader = &fakeReloader{}
		sink = &recordingSink{}
		opts = reconcile.Options{
			Pools:        []string{"web", "api"},
			TemplatePath: templatePath,
			Hostname:     "lb-1",
			CPUCount:     2,
		}

		writeFile(templatePath, countTemplate)
	})

	Context("Deploying a changed configuration", func() {
		It("should render every pool, write the file and reload once", func() {
			code := newReconciler().RunOnce(ctx)

			Expect(code).To(Equal(reconcile.ExitSuccess))
			content := readFile(targetPath)
			Expect(content).To(ContainSubstring("web: 4"))
			Expect(content).To(ContainSubstring("api: 0"))
			Expect(reloader.Calls()).To(Equal(1))

			rep := sink.Last()
			Expect(rep.Succeeded()).To(BeTrue())
			Expect(rep.Applied).To(BeTrue())
			Expect(rep.Changed).To(BeTrue())
			Expect(rep.Pools).To(Equal(map[string]int{"web": 4, "api": 0}))
			Expect(rep.CycleID).NotTo(BeEmpty())
		})

		It("should render instances in a stable order", func() {
			writeFile(templatePath, backendTemplate)
			Expect(newReconciler().RunOnce(ctx)).To(Equal(reconcile.ExitSuccess))
			first := readFile(targetPath)

			web := aws.instances["web"]
			web[0], web[2] = web[2], web[0]
			aws.instances["web"] = web

			Expect(newReconciler().RunOnce(ctx)).To(Equal(reconcile.ExitSuccess))
			Expect(readFile(targetPath)).To(Equal(first))
			Expect(reloader.Calls()).To(Equal(1))
		})
	})

	Context("When the deployed file already matches", func() {
		It("should succeed without writing or reloading", func() {
			r := newReconciler()
			plan, err := r.Plan(ctx)
			Expect(err).NotTo(HaveOccurred())
			writeFile(targetPath, plan.Config.Text)
			before, err := os.Stat(targetPath)
			Expect(err).NotTo(HaveOccurred())

			Expect(r.RunOnce(ctx)).To(Equal(reconcile.ExitSuccess))

			after, err := os.Stat(targetPath)
			Expect(err).NotTo(HaveOccurred())
			Expect(after.ModTime()).To(Equal(before.ModTime()))
			Expect(reloader.Calls()).To(BeZero())
			Expect(sink.Last().Changed).To(BeFalse())
			Expect(sink.Last().Applied).To(BeFalse())
		})
	})

	Context("Plan", func() {
		It("should flip ReloadNeeded once the configuration is deployed", func() {
			r := newReconciler()

			plan, err := r.Plan(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(plan.ReloadNeeded).To(BeTrue())
			Expect(plan.Mapping).To(HaveKey("api"))
			_, statErr := os.Stat(targetPath)
			Expect(os.IsNotExist(statErr)).To(BeTrue())

			Expect(r.RunOnce(ctx)).To(Equal(reconcile.ExitSuccess))

			plan, err = r.Plan(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(plan.ReloadNeeded).To(BeFalse())
		})
	})

	Context("With a broken template", func() {
		It("should fail before touching the deployed file", func() {
			writeFile(targetPath, "previous\n")
			writeFile(templatePath, `{{ range .instances.web }}{{ .Hostname }}{{ end }}`)

			Expect(newReconciler().RunOnce(ctx)).To(Equal(reconcile.ExitFailure))
			Expect(readFile(targetPath)).To(Equal("previous\n"))
			Expect(reloader.Calls()).To(BeZero())

			rep := sink.Last()
			Expect(rep.Succeeded()).To(BeFalse())
			Expect(rep.Error).To(ContainSubstring("execute"))
		})

		It("should fail when the template cannot be read", func() {
			Expect(os.Remove(templatePath)).To(Succeed())

			Expect(newReconciler().RunOnce(ctx)).To(Equal(reconcile.ExitFailure))
			_, err := os.Stat(targetPath)
			Expect(os.IsNotExist(err)).To(BeTrue())
		})

		It("should fail on an unknown match attribute", func() {
			writeFile(templatePath, `{{ range match .instances.web "web" "flavor" }}{{ .ID }}{{ end }}`)
			Expect(newReconciler().RunOnce(ctx)).To(Equal(reconcile.ExitFailure))
		})
	})

	Context("When a provider is unreachable", func() {
		It("should render the instances of the remaining provider", func() {
			aws.err = errors.New("dial tcp: connection refused")
			nova.instances["web"] = []provider.Instance{
				osInstance("s-2", "web-2_os", "192.168.0.2"),
				osInstance("s-1", "web-1_os", "192.168.0.1"),
			}
			writeFile(templatePath, backendTemplate)

			Expect(newReconciler().RunOnce(ctx)).To(Equal(reconcile.ExitSuccess))

			content := readFile(targetPath)
			Expect(content).To(ContainSubstring("server web-1_os 192.168.0.1:80 check"))
			Expect(content).To(ContainSubstring("server web-2_os 192.168.0.2:80 check"))
			Expect(content).NotTo(ContainSubstring("_aws"))
			Expect(sink.Last().Pools["web"]).To(Equal(2))
		})
	})

	Context("In dry-run mode", func() {
		It("should never write or reload", func() {
			opts.DryRun = true
			writeFile(targetPath, "previous\n")

			Expect(newReconciler().RunOnce(ctx)).To(Equal(reconcile.ExitSuccess))
			Expect(readFile(targetPath)).To(Equal("previous\n"))
			Expect(reloader.Calls()).To(BeZero())

			rep := sink.Last()
			Expect(rep.DryRun).To(BeTrue())
			Expect(rep.Changed).To(BeTrue())
			Expect(rep.Applied).To(BeFalse())
		})
	})

	Context("When the deployed file cannot be read", func() {
		It("should treat it as unchanged", func() {
			targetPath = filepath.Join(dir, "as-dir")
			Expect(os.Mkdir(targetPath, 0755)).To(Succeed())

			Expect(newReconciler().RunOnce(ctx)).To(Equal(reconcile.ExitSuccess))
			Expect(reloader.Calls()).To(BeZero())
		})

		It("should still preview the configuration in dry-run mode", func() {
			core, logs := observer.New(zap.InfoLevel)
			logging.SetLogger(zap.New(core))
			DeferCleanup(func() { logging.SetLogger(nil) })

			opts.DryRun = true
			targetPath = filepath.Join(dir, "as-dir")
			Expect(os.Mkdir(targetPath, 0755)).To(Succeed())

			Expect(newReconciler().RunOnce(ctx)).To(Equal(reconcile.ExitSuccess))

			previews := logs.FilterMessage("Dry run, configuration not deployed").All()
			Expect(previews).To(HaveLen(1))
			Expect(previews[0].ContextMap()["config"]).To(ContainSubstring("web: 4"))
		})
	})

	Context("When the file cannot be written", func() {
		It("should fail without reloading", func() {
			targetPath = filepath.Join(dir, "missing", "haproxy.cfg")

			Expect(newReconciler().RunOnce(ctx)).To(Equal(reconcile.ExitFailure))
			Expect(reloader.Calls()).To(BeZero())
			Expect(sink.Last().Applied).To(BeFalse())
		})
	})

	Context("When the reload fails", func() {
		BeforeEach(func() {
			reloader.err = errors.New("exit status 1")
		})

		It("should keep the new file and succeed by default", func() {
			Expect(newReconciler().RunOnce(ctx)).To(Equal(reconcile.ExitSuccess))
			Expect(readFile(targetPath)).To(ContainSubstring("web: 4"))

			rep := sink.Last()
			Expect(rep.Applied).To(BeTrue())
			Expect(rep.ReloadError).To(ContainSubstring("exit status 1"))
		})

		It("should fail when reload failures are fatal", func() {
			opts.ReloadFailureFatal = true

			Expect(newReconciler().RunOnce(ctx)).To(Equal(reconcile.ExitFailure))
			Expect(readFile(targetPath)).To(ContainSubstring("web: 4"))
			Expect(sink.Last().Succeeded()).To(BeFalse())
		})
	})

	Context("When a cycle panics", func() {
		It("should recover and report a failure", func() {
			aws.panics = true

			Expect(newReconciler().RunOnce(ctx)).To(Equal(reconcile.ExitFailure))
			Expect(sink.Last().Error).To(ContainSubstring("adapter exploded"))
		})
	})

	Context("Template variables", func() {
		It("should expose the vars file and scalars", func() {
			varsPath := filepath.Join(dir, "vars.yaml")
			writeFile(varsPath, "maxconn: 4096\n")
			opts.VarsPath = varsPath
			writeFile(templatePath, "log-send-hostname {{ .hostname }}\nnbproc {{ .cpu_count }}\nmaxconn {{ .vars.maxconn }}\n")

			Expect(newReconciler().RunOnce(ctx)).To(Equal(reconcile.ExitSuccess))
			Expect(readFile(targetPath)).To(Equal("log-send-hostname lb-1\nnbproc 2\nmaxconn 4096\n"))
		})
	})

	Context("When the report store is unreachable", func() {
		It("should finish the cycle within the publish timeout", func() {
			opts.PublishTimeout = 100 * time.Millisecond
			resolver := pool.NewResolver([]provider.Adapter{aws, nova}, provider.Filters{}, time.Second)
			applier := deploy.NewApplier(targetPath, "haproxy", reloader)
			etcdSink := report.NewEtcdSinkWithKV(unreachableKV{}, "/havoc/nodes", "lb-1")
			r := reconcile.New(opts, resolver, applier, etcdSink, sink)

			cycleCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
			defer cancel()

			done := make(chan reconcile.ExitCode, 1)
			go func() { done <- r.RunOnce(cycleCtx) }()

			Eventually(done, 2*time.Second).Should(Receive(Equal(reconcile.ExitSuccess)))
			Expect(sink.reports).To(HaveLen(1))
		})
	})

	It("should give every cycle its own id", func() {
		r := newReconciler()
		r.RunOnce(ctx)
		r.RunOnce(ctx)

		Expect(sink.reports).To(HaveLen(2))
		Expect(sink.reports[0].CycleID).NotTo(Equal(sink.reports[1].CycleID))
	})
})
