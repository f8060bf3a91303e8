package analytics

import (
	"slices"
	"time"

	"agentlog/internal/database/models"

	"github.com/google/uuid"
)

// maxClusterCandidates bounds the templates considered for clustering.
const maxClusterCandidates = 1000

var clusterNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("agentlog:cluster"))

// Cluster groups similar templates around the most frequent one.
type Cluster struct {
	ID            string       `json:"id"`
	Centroid      string       `json:"centroid"`
	Members       []string     `json:"members"`
	Size          int          `json:"size"`
	Templates     int          `json:"templates"`
	Similarity    float64      `json:"similarity"`
	DominantLevel models.Level `json:"dominantLevel"`
	DominantAgent string       `json:"dominantAgent"`
	FirstSeen     time.Time    `json:"firstSeen"`
	LastSeen      time.Time    `json:"lastSeen"`
}

func (c Cluster) clone() Cluster {
	c.Members = slices.Clone(c.Members)
	return c
}

type clusterAcc struct {
	centroid  string
	tokens    map[string]struct{}
	members   []string
	size      int
	simSum    float64
	levels    map[models.Level]int
	agents    map[string]int
	firstSeen time.Time
	lastSeen  time.Time
}

// clusterGroups assigns each template greedily to the most similar cluster
// whose centroid shares at least threshold of its tokens. Groups must be sorted by
// descending count so the centroid is the most frequent member.
func clusterGroups(groups []*group, threshold float64, maxClusters int) []Cluster {
	if len(groups) > maxClusterCandidates {
		groups = groups[:maxClusterCandidates]
	}

	var accs []*clusterAcc
	for _, g := range groups {
		tokens := tokenSet(g.template)

		var target *clusterAcc
		bestSim := 0.0
		for _, acc := range accs {
			if sim := jaccard(tokens, acc.tokens); sim >= threshold && sim > bestSim {
				target, bestSim = acc, sim
			}
		}
		if target == nil {
			target = &clusterAcc{
				centroid:  g.template,
				tokens:    tokens,
				levels:    make(map[models.Level]int),
				agents:    make(map[string]int),
				firstSeen: g.firstSeen,
				lastSeen:  g.lastSeen,
			}
			accs = append(accs, target)
			bestSim = 1
		}

		target.members = append(target.members, g.template)
		target.size += g.count
		target.simSum += bestSim
		for lvl, n := range g.levels {
			target.levels[lvl] += n
		}
		for agent, n := range g.agents {
			target.agents[agent] += n
		}
		if g.firstSeen.Before(target.firstSeen) {
			target.firstSeen = g.firstSeen
		}
		if g.lastSeen.After(target.lastSeen) {
			target.lastSeen = g.lastSeen
		}
	}

	slices.SortStableFunc(accs, func(a, b *clusterAcc) int { return b.size - a.size })
	if len(accs) > maxClusters {
		accs = accs[:maxClusters]
	}

	clusters := make([]Cluster, 0, len(accs))
	for _, acc := range accs {
		members := acc.members
		if len(members) > 10 {
			members = members[:10]
		}
		clusters = append(clusters, Cluster{
			ID:            uuid.NewSHA1(clusterNamespace, []byte(acc.centroid)).String(),
			Centroid:      acc.centroid,
			Members:       slices.Clone(members),
			Size:          acc.size,
			Templates:     len(acc.members),
			Similarity:    round3(acc.simSum / float64(len(acc.members))),
			DominantLevel: dominant(acc.levels, models.LevelInfo),
			DominantAgent: dominant(acc.agents, ""),
			FirstSeen:     acc.firstSeen,
			LastSeen:      acc.lastSeen,
		})
	}
	return clusters
}
