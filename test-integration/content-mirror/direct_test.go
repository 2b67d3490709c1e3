package integration

import (
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stacklok/content-mirror/test-integration/content-mirror/helpers"
)

var _ = Describe("Direct Delivery", Label("direct"), func() {
	var (
		tempDir      string
		fake         *helpers.FakeCMS
		serverHelper *helpers.ServerTestHelper
	)

	BeforeEach(func() {
		tempDir = createTempDir("mirror-direct-")
		fake = helpers.NewFakeCMS(helpers.ContentType("article", "title", "title:Symbol"))
		fake.Put(article("a1", "First"))

		configFile := helpers.WriteConfigYAML(tempDir, fake.URL(), helpers.ConfigOptions{Delivery: "direct"})
		var err error
		serverHelper, err = helpers.NewServerTestHelper(ctx, configFile)
		Expect(err).NotTo(HaveOccurred())
		Expect(serverHelper.StartServer()).To(Succeed())
		serverHelper.WaitForServerReady(10 * time.Second)
	})

	AfterEach(func() {
		Expect(serverHelper.StopServer()).To(Succeed())
		fake.Close()
		cleanupTempDir(tempDir)
	})

	It("should read through to the CMS without syncing", func() {
		ids, err := serverHelper.EntryIDs("article")
		Expect(err).NotTo(HaveOccurred())
		Expect(ids).To(ConsistOf("a1"))

		fake.Put(article("a2", "Second"))
		ids, err = serverHelper.EntryIDs("article")
		Expect(err).NotTo(HaveOccurred())
		Expect(ids).To(ConsistOf("a1", "a2"))

		Expect(fake.Requests("initial_sync")).To(Equal(0))
		Expect(fake.Requests("entries")).To(BeNumerically(">=", 2))
	})

	It("should serve single entries and GraphQL from the CMS", func() {
		resp, err := serverHelper.GetEntry("a1")
		Expect(err).NotTo(HaveOccurred())
		_ = resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		resp, err = serverHelper.GetEntry("missing")
		Expect(err).NotTo(HaveOccurred())
		_ = resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))

		out, err := serverHelper.GraphQL(`{ allArticle { title } }`)
		Expect(err).NotTo(HaveOccurred())
		Expect(out["errors"]).To(BeNil())
		Expect(out["data"]).To(HaveKeyWithValue("allArticle", ConsistOf(HaveKeyWithValue("title", "First"))))
	})

	It("should not mount the webhook receiver without a cache to evict", func() {
		status, err := serverHelper.PostWebhook("ContentManagement.Entry.publish", helpers.EntryPayload(&helpers.FakeEntry{
			ID: "a1", ContentType: "article", Revision: 9,
		}))
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(http.StatusNotFound))
	})
})
