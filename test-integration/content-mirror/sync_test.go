package integration

import (
	"net/http"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stacklok/content-mirror/test-integration/content-mirror/helpers"
)

func article(id, title string) helpers.FakeEntry {
	return helpers.FakeEntry{
		ID:          id,
		ContentType: "article",
		Fields:      map[string]map[string]any{"title": {"en-US": title}},
	}
}

var _ = Describe("Synced Delivery", Label("sync"), func() {
	var (
		tempDir      string
		fake         *helpers.FakeCMS
		serverHelper *helpers.ServerTestHelper
	)

	startMirror := func(opts helpers.ConfigOptions) {
		configFile := helpers.WriteConfigYAML(tempDir, fake.URL(), opts)
		var err error
		serverHelper, err = helpers.NewServerTestHelper(ctx, configFile)
		Expect(err).NotTo(HaveOccurred())
		Expect(serverHelper.StartServer()).To(Succeed())
		serverHelper.WaitForServerReady(10 * time.Second)
	}

	entryIDs := func() []string {
		ids, err := serverHelper.EntryIDs("article")
		Expect(err).NotTo(HaveOccurred())
		return ids
	}

	titleOf := func(id string) any {
		out, err := serverHelper.GraphQL(`{ article(id: "` + id + `") { title } }`)
		Expect(err).NotTo(HaveOccurred())
		data, _ := out["data"].(map[string]any)
		entry, _ := data["article"].(map[string]any)
		return entry["title"]
	}

	BeforeEach(func() {
		serverHelper = nil
		tempDir = createTempDir("mirror-sync-")
		fake = helpers.NewFakeCMS(helpers.ContentType("article", "title", "title:Symbol"))
		fake.Put(article("a1", "First"))
		fake.Put(article("a2", "Second"))
	})

	AfterEach(func() {
		if serverHelper != nil {
			Expect(serverHelper.StopServer()).To(Succeed())
		}
		fake.Close()
		cleanupTempDir(tempDir)
	})

	Context("eager sync in memory", func() {
		BeforeEach(func() {
			startMirror(helpers.ConfigOptions{Delivery: "eagerSync"})
		})

		It("should load every entry before reporting ready", func() {
			Expect(entryIDs()).To(ConsistOf("a1", "a2"))
			Expect(fake.Requests("initial_sync")).To(Equal(1))
			Expect(titleOf("a1")).To(Equal("First"))
		})

		It("should apply webhook publishes and unpublishes", func() {
			published := fake.Put(article("a3", "Third"))
			status, err := serverHelper.PostWebhook("ContentManagement.Entry.publish", helpers.EntryPayload(published))
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(http.StatusAccepted))
			Eventually(entryIDs, 5*time.Second, 50*time.Millisecond).Should(ConsistOf("a1", "a2", "a3"))

			unpublished := fake.Put(article("a2", "Second"))
			status, err = serverHelper.PostWebhook("ContentManagement.Entry.unpublish", helpers.EntryPayload(unpublished))
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(http.StatusAccepted))
			Eventually(func() int {
				resp, err := serverHelper.GetEntry("a2")
				Expect(err).NotTo(HaveOccurred())
				_ = resp.Body.Close()
				return resp.StatusCode
			}, 5*time.Second, 50*time.Millisecond).Should(Equal(http.StatusNotFound))

			// unpublish notifications usually carry a DeletedEntry body
			bumped := fake.Put(article("a1", "First"))
			status, err = serverHelper.PostWebhook("ContentManagement.Entry.unpublish",
				helpers.DeletionPayload("a1", bumped.Revision))
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(http.StatusAccepted))
			Eventually(entryIDs, 5*time.Second, 50*time.Millisecond).Should(ConsistOf("a3"))
		})

		It("should ignore webhooks older than the stored revision", func() {
			stale := fake.Put(article("a1", "Stale"))
			fresh := fake.Put(article("a1", "Fresh"))

			status, err := serverHelper.PostWebhook("ContentManagement.Entry.publish", helpers.EntryPayload(fresh))
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(http.StatusAccepted))
			Eventually(func() any { return titleOf("a1") }, 5*time.Second, 50*time.Millisecond).Should(Equal("Fresh"))

			status, err = serverHelper.PostWebhook("ContentManagement.Entry.publish", helpers.EntryPayload(stale))
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(http.StatusAccepted))
			Consistently(func() any { return titleOf("a1") }, 300*time.Millisecond, 50*time.Millisecond).Should(Equal("Fresh"))
		})

		It("should apply webhook deletions", func() {
			revision := fake.Remove("a1")
			status, err := serverHelper.PostWebhook("ContentManagement.Entry.delete", helpers.DeletionPayload("a1", revision))
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(http.StatusAccepted))
			Eventually(entryIDs, 5*time.Second, 50*time.Millisecond).Should(ConsistOf("a2"))
		})

		It("should reject malformed payloads and accept content type changes", func() {
			status, err := serverHelper.PostWebhook("ContentManagement.Entry.publish", "{")
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(http.StatusBadRequest))

			status, err = serverHelper.PostWebhook("ContentManagement.ContentType.publish", `{"sys":{"id":"article","type":"ContentType"}}`)
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(http.StatusAccepted))
			Expect(entryIDs()).To(ConsistOf("a1", "a2"))
		})
	})

	Context("eager sync with polling", func() {
		BeforeEach(func() {
			startMirror(helpers.ConfigOptions{Delivery: "eagerSync", SyncInterval: "100ms"})
		})

		It("should pick up remote changes without webhooks", func() {
			Expect(entryIDs()).To(ConsistOf("a1", "a2"))

			fake.Put(article("a4", "Fourth"))
			fake.Remove("a1")

			Eventually(entryIDs, 5*time.Second, 50*time.Millisecond).Should(ConsistOf("a2", "a4"))
			Expect(fake.Requests("token_sync")).To(BeNumerically(">=", 1))
		})
	})

	Context("lazy sync", func() {
		BeforeEach(func() {
			startMirror(helpers.ConfigOptions{Delivery: "lazySync"})
		})

		It("should defer the full sync until the first read", func() {
			Expect(fake.Requests("initial_sync")).To(Equal(0))

			Expect(entryIDs()).To(ConsistOf("a1", "a2"))
			Expect(fake.Requests("initial_sync")).To(Equal(1))

			Expect(entryIDs()).To(ConsistOf("a1", "a2"))
			Expect(fake.Requests("initial_sync")).To(Equal(1))
		})
	})

	Context("durable sync store", func() {
		var dbPath string

		BeforeEach(func() {
			dbPath = filepath.Join(tempDir, "mirror.db")
			startMirror(helpers.ConfigOptions{Delivery: "eagerSync", SQLitePath: dbPath})
			Expect(entryIDs()).To(ConsistOf("a1", "a2"))
			Expect(serverHelper.StopServer()).To(Succeed())
		})

		It("should resume from the stored token after a restart", func() {
			fake.Put(article("a3", "Third"))

			startMirror(helpers.ConfigOptions{Delivery: "eagerSync", SQLitePath: dbPath})
			Eventually(entryIDs, 5*time.Second, 50*time.Millisecond).Should(ConsistOf("a1", "a2", "a3"))
			Expect(fake.Requests("initial_sync")).To(Equal(1))
			Expect(fake.Requests("token_sync")).To(BeNumerically(">=", 1))
		})

		It("should fall back to a full sync when the stored token expired", func() {
			fake.ExpireTokens(true)
			fake.Remove("a2")
			fake.Put(article("a3", "Third"))

			startMirror(helpers.ConfigOptions{Delivery: "eagerSync", SQLitePath: dbPath})
			Eventually(entryIDs, 5*time.Second, 50*time.Millisecond).Should(ConsistOf("a1", "a3"))
			Expect(fake.Requests("initial_sync")).To(Equal(2))

			out, err := serverHelper.GraphQL(`{ _syncStatus { state entryCount } }`)
			Expect(err).NotTo(HaveOccurred())
			Expect(out["data"]).To(HaveKeyWithValue("_syncStatus", And(
				HaveKeyWithValue("state", "Idle"),
				HaveKeyWithValue("entryCount", BeNumerically("==", 2)),
			)))
		})
	})
})
